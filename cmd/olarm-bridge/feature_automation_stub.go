//go:build no_automation

package main

import (
	"log/slog"

	"olarm-bridge/internal/bridge"
	"olarm-bridge/internal/state"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *state.EventBus, _ *bridge.Router, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
