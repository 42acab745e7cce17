package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/luoxiafeng-1990/display/statsbus"
)

// heartbeat publishes a periodic JSON stats snapshot to MQTT so an
// external supervisor can monitor displaysrv without scraping logs.
// It mirrors orion-prototipe's emitter.MQTTEmitter: auto-reconnect,
// a connected flag maintained from the connect/lost callbacks, and a
// publish that is a no-op (counted as an error) while disconnected.
type heartbeat struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

func newHeartbeat(cfg MQTTConfig) *heartbeat {
	return &heartbeat{cfg: cfg}
}

func (h *heartbeat) connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(h.cfg.Broker)
	opts.SetClientID(h.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		h.mu.Lock()
		h.connected = true
		h.mu.Unlock()
		slog.Info("displaysrv: mqtt connected", "broker", h.cfg.Broker, "client_id", h.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		h.mu.Lock()
		h.connected = false
		h.mu.Unlock()
		slog.Warn("displaysrv: mqtt connection lost, auto-reconnecting", "error", err)
	}

	h.client = mqtt.NewClient(opts)
	token := h.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("displaysrv: mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("displaysrv: mqtt connect: %w", err)
	}

	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	return nil
}

func (h *heartbeat) isConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

func (h *heartbeat) publish(sample statsbus.Sample) error {
	if !h.isConnected() {
		h.mu.Lock()
		h.errors++
		h.mu.Unlock()
		return fmt.Errorf("displaysrv: mqtt not connected")
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("displaysrv: marshal heartbeat: %w", err)
	}

	token := h.client.Publish(h.cfg.Topic, 0, false, data)
	if !token.WaitTimeout(2 * time.Second) {
		h.mu.Lock()
		h.errors++
		h.mu.Unlock()
		return fmt.Errorf("displaysrv: mqtt publish timeout")
	}
	if err := token.Error(); err != nil {
		h.mu.Lock()
		h.errors++
		h.mu.Unlock()
		return fmt.Errorf("displaysrv: mqtt publish: %w", err)
	}

	h.mu.Lock()
	h.published++
	h.mu.Unlock()
	return nil
}

// subscribeBus runs a goroutine that forwards every statsbus.Sample
// received on id to the MQTT broker, until ctx is cancelled.
func (h *heartbeat) subscribeBus(ctx context.Context, bus *statsbus.Bus, id string) error {
	ch := make(chan statsbus.Sample, 4)
	if err := bus.Subscribe(id, ch); err != nil {
		return err
	}
	go func() {
		defer bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case sample := <-ch:
				if err := h.publish(sample); err != nil {
					slog.Debug("displaysrv: mqtt heartbeat publish failed", "error", err)
				}
			}
		}
	}()
	return nil
}

func (h *heartbeat) disconnect() {
	if h.client != nil && h.client.IsConnected() {
		h.client.Disconnect(250)
	}
}
