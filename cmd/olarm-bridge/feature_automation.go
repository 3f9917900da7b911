//go:build !no_automation

package main

import (
	"log/slog"

	"olarm-bridge/internal/automation"
	"olarm-bridge/internal/bridge"
	"olarm-bridge/internal/state"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(bus *state.EventBus, router *bridge.Router, cfg *Config, logger *slog.Logger) *autoStopper {
	engine := automation.NewEngine(bus, router.Send, logger)
	engine.Start(cfg.ScriptsDir)
	return &autoStopper{engine: engine}
}
