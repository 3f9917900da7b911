package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"olarm-bridge/internal/olarm"
	"olarm-bridge/internal/state"
)

// Fixed transport parameters.
const (
	defaultBrokerURL = "wss://mqtt-ws.olarm.com:443"
	mqttUsername     = "native_app"
	reconnectPeriod  = 5 * time.Second
	connectTimeout   = 10 * time.Second
	heartbeatPeriod  = 30 * time.Second
	publishTimeout   = 5 * time.Second
)

// Envelope message types.
const payloadTypeAlarm = "alarmPayload"

// envelope is the framing of every streamed message.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Stream maintains the persistent connection to the vendor's streaming
// endpoint for one panel. It owns the connectivity state machine and
// drives the poller at the streaming/polling transitions.
type Stream struct {
	device olarm.Device
	broker string
	sync   *state.Synchronizer
	events *state.EventBus
	poller *Poller
	logger *slog.Logger
	ledger *ReconnectLedger

	client pahomqtt.Client

	mu        sync.Mutex
	connState ConnectivityState
	hbCancel  context.CancelFunc
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithBrokerURL overrides the streaming endpoint. Used by tests.
func WithBrokerURL(u string) StreamOption {
	return func(s *Stream) { s.broker = u }
}

// NewStream creates a stream for the given panel.
func NewStream(device olarm.Device, sync *state.Synchronizer, events *state.EventBus, poller *Poller, logger *slog.Logger, opts ...StreamOption) *Stream {
	s := &Stream{
		device: device,
		broker: defaultBrokerURL,
		sync:   sync,
		events: events,
		poller: poller,
		logger: logger.With("component", "stream", "imei", device.IMEI),
		ledger: &ReconnectLedger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the streaming connection using the access token as the
// transport credential. The library keeps retrying in the background
// after a failed first attempt, so a timeout here still converges to
// streaming later; the caller should activate polling meanwhile.
func (s *Stream) Connect(accessToken string) error {
	s.setState(StateConnecting)

	opts := pahomqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID("native-olarm-bridge-" + s.device.IMEI).
		SetUsername(mqttUsername).
		SetPassword(accessToken).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectPeriod).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	s.client = pahomqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("stream connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}
	return nil
}

// State returns the current connectivity state.
func (s *Stream) State() ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// Connected reports whether the stream is the active freshness
// mechanism.
func (s *Stream) Connected() bool {
	return s.State() == StateStreaming
}

// Ledger exposes the reconnect ledger for observability.
func (s *Stream) Ledger() *ReconnectLedger {
	return s.ledger
}

// SendCommand publishes a command envelope on the control topic. QoS 1,
// fire-and-forget: no acknowledgment is awaited beyond the transport's
// own delivery confirmation.
func (s *Stream) SendCommand(userIndex int, actionCmd string, actionNum int) {
	s.publishJSON(map[string]any{
		"method":    "POST",
		"userIndex": userIndex,
		"data":      []any{actionCmd, actionNum},
	})
}

// Close shuts the stream down. The poller is left untouched; shutdown
// wiring deactivates it separately.
func (s *Stream) Close() {
	s.stopHeartbeat()
	if s.client != nil {
		s.client.Disconnect(1000)
	}
	s.setState(StateDisconnected)
}

func (s *Stream) onConnect(_ pahomqtt.Client) {
	s.logger.Info("stream connected")

	// Streaming takes over from polling.
	s.poller.Deactivate()
	s.setState(StateStreaming)

	topic := "so/app/v1/" + s.device.IMEI
	s.client.Subscribe(topic, 1, s.onMessage)

	// Prime the snapshot and keep it fresh even without device-side
	// events: ask for a full state now and on a fixed cadence.
	s.requestState()
	s.startHeartbeat()
}

func (s *Stream) onConnectionLost(_ pahomqtt.Client, err error) {
	s.logger.Warn("stream closed", "err", err)
	s.stopHeartbeat()

	now := time.Now()
	count := s.ledger.Record(now)
	if count > ledgerWarnThreshold {
		s.logger.Warn("excessive reconnects in the last hour", "count", count)
	}

	s.setState(StatePolling)
	s.poller.Activate()
}

func (s *Stream) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		s.logger.Warn("malformed stream message", "err", err)
		return
	}
	if env.Type != payloadTypeAlarm {
		s.logger.Debug("ignoring stream message", "type", env.Type)
		return
	}

	var ds olarm.DeviceState
	if err := json.Unmarshal(env.Data, &ds); err != nil {
		s.logger.Warn("malformed state payload", "err", err)
		return
	}
	s.sync.Apply(ds.Snapshot(), state.SourceStream)
}

// requestState asks the device to re-publish its full state.
func (s *Stream) requestState() {
	s.publishJSON(map[string]any{"method": "GET"})
}

func (s *Stream) startHeartbeat() {
	s.mu.Lock()
	if s.hbCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.hbCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.requestState()
			}
		}
	}()
}

func (s *Stream) stopHeartbeat() {
	s.mu.Lock()
	cancel := s.hbCancel
	s.hbCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Stream) publishJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal publish payload", "err", err)
		return
	}
	topic := "si/app/v1/" + s.device.IMEI
	token := s.client.Publish(topic, 1, false, data)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			s.logger.Warn("stream publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			s.logger.Warn("stream publish error", "topic", topic, "err", err)
		}
	}()
}

func (s *Stream) setState(next ConnectivityState) {
	s.mu.Lock()
	prev := s.connState
	s.connState = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Info("connectivity changed", "from", prev.String(), "to", next.String())
		s.events.EmitConnectivity(next.String())
	}
}
