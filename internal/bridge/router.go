package bridge

import (
	"context"
	"log/slog"

	"olarm-bridge/internal/olarm"
)

// commandStream is the transport-side command surface.
type commandStream interface {
	Connected() bool
	SendCommand(userIndex int, actionCmd string, actionNum int)
}

// directSender is the request/response command surface.
type directSender interface {
	HasAPIKey() bool
	UserIndex() int
	SendAction(ctx context.Context, deviceID, actionCmd string, actionNum int) error
}

// Router selects the command path by action class and current
// connectivity. Commands are fire-and-forget: every network failure is
// logged and absorbed, never raised to the caller.
type Router struct {
	stream   commandStream
	client   directSender
	deviceID string
	logger   *slog.Logger
}

// NewRouter creates a command router for one panel.
func NewRouter(stream commandStream, client directSender, deviceID string, logger *slog.Logger) *Router {
	return &Router{
		stream:   stream,
		client:   client,
		deviceID: deviceID,
		logger:   logger.With("component", "router"),
	}
}

// Send routes an action. The zone-bypass class always goes via the
// direct call since the streaming protocol does not support it; other
// actions prefer the stream when it is active, then the direct call,
// then a logged no-op.
func (r *Router) Send(ctx context.Context, actionCmd string, actionNum int) {
	if olarm.IsBypassAction(actionCmd) {
		if !r.client.HasAPIKey() {
			r.logger.Error("bypass actions require the api key", "action", actionCmd)
			return
		}
		r.sendDirect(ctx, actionCmd, actionNum)
		return
	}

	if r.stream.Connected() {
		r.logger.Info("sending via stream", "action", actionCmd, "num", actionNum)
		r.stream.SendCommand(r.client.UserIndex(), actionCmd, actionNum)
		return
	}

	if r.client.HasAPIKey() {
		r.sendDirect(ctx, actionCmd, actionNum)
		return
	}

	r.logger.Warn("no command path available", "action", actionCmd)
}

func (r *Router) sendDirect(ctx context.Context, actionCmd string, actionNum int) {
	r.logger.Info("sending via direct call", "action", actionCmd, "num", actionNum)
	if err := r.client.SendAction(ctx, r.deviceID, actionCmd, actionNum); err != nil {
		r.logger.Warn("direct command failed", "action", actionCmd, "err", err)
	}
}
