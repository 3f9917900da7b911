//go:build no_automation

package automation

import (
	"context"
	"log/slog"

	"olarm-bridge/internal/state"
)

// CommandFunc sends a panel action on behalf of a script.
type CommandFunc func(ctx context.Context, actionCmd string, actionNum int)

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ *state.EventBus, _ CommandFunc, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start(_ string) {}

// Stop is a no-op.
func (e *Engine) Stop() {}
