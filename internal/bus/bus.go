// Package bus wraps an MQTT broker connection behind a small
// pub/sub adapter: connect with auto-reconnect, wildcard topic
// subscription, and JSON publish. It carries no device-specific
// payload knowledge; the bridges own topic semantics.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/labctl/labctl/internal/metrics"
)

// Callback receives a decoded JSON payload for a topic matching one of
// its subscription's pattern. Panics inside a callback are recovered
// and logged; they never bring down the receive loop.
type Callback func(topic string, payload map[string]any)

type subscription struct {
	pattern string
	cb      Callback
}

// Config is the adapter's connection configuration. ReconnectMin and
// ReconnectMax bound the delay between reconnect attempts; zero values
// default to 2s and 30s.
type Config struct {
	Host         string
	Port         int
	Keepalive    int
	ClientID     string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

const (
	defaultReconnectMin = 2 * time.Second
	defaultReconnectMax = 30 * time.Second
)

// Adapter is the Message Bus Adapter: connect, auto-reconnect,
// wildcard-subscribe, and JSON publish at QoS 1.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	backoff *backoff

	mu   sync.Mutex
	subs []subscription
	cm   *autopaho.ConnectionManager
}

// New returns an Adapter that is not yet connected. Call Connect to
// start the connection manager.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Adapter{
		cfg:     cfg,
		logger:  logger,
		backoff: newBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
	}
}

// Connect starts the autopaho connection manager. It does not block
// for the initial handshake: autopaho connects and reconnects in the
// background, so a broker that is briefly unavailable never aborts
// startup. Reconnect attempts are spaced by a doubling delay between
// ReconnectMin and ReconnectMax: ConnectRetryDelay carries the floor,
// and OnConnectError sleeps the remainder before autopaho schedules
// the next attempt.
func (a *Adapter) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(fmt.Sprintf("tcp://%s:%d", a.cfg.Host, a.cfg.Port))
	if err != nil {
		return fmt.Errorf("bus: parse broker url: %w", err)
	}

	clientID := a.cfg.ClientID
	if clientID == "" {
		clientID = "labctl-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	availTopic := "labctl/" + clientID + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{brokerURL},
		KeepAlive:         uint16(a.cfg.Keepalive),
		ConnectRetryDelay: a.cfg.ReconnectMin,
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("bus connected", "host", a.cfg.Host, "port", a.cfg.Port)
			metrics.BusReconnects.Inc()
			a.backoff.reset()
			a.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			delay := a.backoff.next()
			a.logger.Warn("bus connection error", "error", err, "retry_in", delay)
			// autopaho waits ConnectRetryDelay after this callback
			// returns; sleeping the remainder here stretches the gap
			// to the full backoff delay.
			if extra := delay - a.cfg.ReconnectMin; extra > 0 {
				time.Sleep(extra)
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("bus: connect: %w", err)
	}
	cm.AddOnPublishReceived(a.handlePublish)

	a.mu.Lock()
	a.cm = cm
	a.mu.Unlock()

	return nil
}

func (a *Adapter) handlePublish(pr autopaho.PublishReceived) (bool, error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("bus callback panicked", "topic", pr.Packet.Topic, "panic", r)
		}
	}()

	var payload map[string]any
	if err := json.Unmarshal(pr.Packet.Payload, &payload); err != nil {
		metrics.DroppedPayloads.Inc()
		a.logger.Warn("bus dropped malformed payload", "topic", pr.Packet.Topic, "error", err)
		return true, nil
	}

	a.mu.Lock()
	matched := make([]Callback, 0, 1)
	for _, sub := range a.subs {
		if topicMatches(sub.pattern, pr.Packet.Topic) {
			matched = append(matched, sub.cb)
		}
	}
	a.mu.Unlock()

	for _, cb := range matched {
		a.invoke(cb, pr.Packet.Topic, payload)
	}
	return true, nil
}

func (a *Adapter) invoke(cb Callback, topic string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("bus callback panicked", "topic", topic, "panic", r)
		}
	}()
	cb(topic, payload)
}

// Subscribe registers callback for topic pattern (which may use
// single-level "+" and multi-level "#" wildcards) and issues the
// broker subscription at QoS 1. On every reconnect, all registered
// patterns are automatically re-subscribed, so a subscribe that fails
// because the broker is not reachable yet is logged, not returned.
func (a *Adapter) Subscribe(ctx context.Context, pattern string, cb func(topic string, payload map[string]any)) error {
	a.mu.Lock()
	a.subs = append(a.subs, subscription{pattern: pattern, cb: cb})
	cm := a.cm
	a.mu.Unlock()

	if cm == nil {
		return nil // will be subscribed once connected
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: pattern, QoS: 1},
		},
	}); err != nil {
		a.logger.Warn("bus subscribe deferred to next connect", "pattern", pattern, "error", err)
	}
	return nil
}

func (a *Adapter) resubscribe(cm *autopaho.ConnectionManager) {
	a.mu.Lock()
	subs := make([]paho.SubscribeOptions, 0, len(a.subs))
	for _, sub := range a.subs {
		subs = append(subs, paho.SubscribeOptions{Topic: sub.pattern, QoS: 1})
	}
	a.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		a.logger.Error("bus resubscribe failed", "error", err)
	}
}

// PublishJSON serializes obj and publishes it to topic at QoS 1.
func (a *Adapter) PublishJSON(ctx context.Context, topic string, obj any, retain bool) error {
	a.mu.Lock()
	cm := a.cm
	a.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("bus: not connected")
	}

	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("bus: marshal payload: %w", err)
	}

	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	return err
}

// Disconnect stops the background network loop.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cm := a.cm
	a.cm = nil
	a.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// backoff hands out reconnect delays doubling from min to max. reset
// is called on every successful connection so an outage always starts
// over at min.
type backoff struct {
	min, max time.Duration

	mu  sync.Mutex
	cur time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, cur: min}
}

func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = b.min
}

// topicMatches reports whether topic satisfies an MQTT subscription
// pattern containing "+" (single level) and "#" (multi-level, only
// legal as the final segment).
func topicMatches(pattern, topic string) bool {
	patSegs := strings.Split(pattern, "/")
	topSegs := strings.Split(topic, "/")

	for i, seg := range patSegs {
		if seg == "#" {
			return true
		}
		if i >= len(topSegs) {
			return false
		}
		if seg != "+" && seg != topSegs[i] {
			return false
		}
	}
	return len(patSegs) == len(topSegs)
}
