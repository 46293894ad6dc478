package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jzubielik/omron-bridge/internal/models"
)

// BusConfig configures one BusSink instance.
type BusConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string

	// InitialBackoff and MaxBackoff bound the exponential-backoff
	// reconnect loop used if the initial connect attempt fails. Default to
	// 1s/2m when zero.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *slog.Logger
}

// BusSink publishes readings as retained, QoS-1 JSON messages to an MQTT
// broker for home-automation consumption, grounded on the reference
// implementation's MQTTPublisher. Reconnection uses exponential backoff,
// in the style of the teacher's gRPC transport reconnect loop.
type BusSink struct {
	cfg       BusConfig
	logger    *slog.Logger
	client    mqtt.Client
	connected atomic.Bool
}

// NewBusSink constructs a BusSink. No network I/O occurs until Connect.
func NewBusSink(cfg BusConfig) *BusSink {
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BusSink{cfg: cfg, logger: logger}
}

// Connect dials the broker, retrying with exponential backoff until ctx is
// cancelled or the connection succeeds.
func (s *BusSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Host, s.cfg.Port)).
		SetClientID("omron-bridge-" + uuid.NewString()).
		SetCleanSession(true).
		SetConnectionLostHandler(func(mqtt.Client, error) {
			s.connected.Store(false)
			s.logger.Warn("sink: bus: connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			s.connected.Store(true)
			s.logger.Info("sink: bus: connected", "host", s.cfg.Host, "port", s.cfg.Port)
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	s.client = mqtt.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		token := s.client.Connect()
		if token.WaitTimeout(10*time.Second) && token.Error() == nil {
			return nil
		}

		wait := b.NextBackOff()
		s.logger.Warn("sink: bus: connect failed, retrying", "after", wait, "error", token.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// IsConnected reports the broker connection state.
func (s *BusSink) IsConnected() bool {
	return s.connected.Load()
}

// Probe always returns an empty set: the bus is a pub/sub publish target
// with no remote query capability, so it has nothing to deduplicate
// against.
func (s *BusSink) Probe(_ context.Context, _, _ time.Time) (ProbeSet, error) {
	return nil, nil
}

// IsDuplicate always reports false; see Probe.
func (s *BusSink) IsDuplicate(models.Reading, ProbeSet) bool {
	return false
}

func (s *BusSink) topicFor(userIdentifier string) string {
	if userIdentifier == "" {
		return s.cfg.BaseTopic
	}
	safe := strings.NewReplacer("@", "_at_", " ", "_", "/", "_").Replace(userIdentifier)
	return s.cfg.BaseTopic + "/" + safe
}

type busPayload struct {
	Timestamp          string `json:"timestamp"`
	Systolic           int    `json:"systolic"`
	Diastolic          int    `json:"diastolic"`
	Pulse              int    `json:"pulse"`
	Category           string `json:"category"`
	IrregularHeartbeat bool   `json:"irregular_heartbeat"`
	BodyMovement       bool   `json:"body_movement"`
	UserSlot           int    `json:"user_slot"`
	Device             string `json:"device"`
	PublishedAt        string `json:"published_at"`
}

// Push publishes r as a retained, QoS-1 message under {base_topic}/{user_slot}.
func (s *BusSink) Push(ctx context.Context, r models.Reading) error {
	payload := busPayload{
		Timestamp:          r.Timestamp.Format(time.RFC3339),
		Systolic:           r.Systolic,
		Diastolic:          r.Diastolic,
		Pulse:              r.Pulse,
		Category:           string(r.Category()),
		IrregularHeartbeat: r.IrregularHeartbeat,
		BodyMovement:       r.BodyMovement,
		UserSlot:           r.UserSlot,
		Device:             "OMRON",
		PublishedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sink: bus: marshal payload: %w", err)
	}

	topic := s.topicFor(fmt.Sprintf("%d", r.UserSlot))
	token := s.client.Publish(topic, 1, true, body)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("sink: bus: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("sink: bus: publish to %s: %w", topic, err)
	}
	return nil
}

// PublishStatus publishes a retained bridge-status message under
// {base_topic}/status.
func (s *BusSink) PublishStatus(status, message string) error {
	payload := map[string]string{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sink: bus: marshal status: %w", err)
	}
	token := s.client.Publish(s.cfg.BaseTopic+"/status", 1, true, body)
	token.Wait()
	return token.Error()
}

// Disconnect gracefully closes the broker connection.
func (s *BusSink) Disconnect() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.connected.Store(false)
	return nil
}

var _ Sink = (*BusSink)(nil)
