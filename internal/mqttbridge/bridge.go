package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/aromalink-core/internal/cloud"
	"github.com/nerrad567/aromalink-core/internal/device"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/aromalink-core/internal/push"
)

// Bridge defaults.
const (
	// DefaultCommandTimeout bounds one command received over MQTT.
	DefaultCommandTimeout = 15 * time.Second

	defaultQoS = 1
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Core is the subset of *aromalink.Client the bridge uses.
type Core interface {
	SubscribeAll(s device.Subscriber) device.Handle
	Unsubscribe(h device.Handle)
	SendCommand(ctx context.Context, id string, cmd cloud.Command) (cloud.Ack, error)
	Devices() []device.State
}

// Options configures a Bridge.
type Options struct {
	MQTT MQTTClient
	Core Core

	// Topics builds topic names. Zero value uses the default prefix.
	Topics mqtt.Topics

	// QoS for every publish and the command subscription. Default: 1.
	QoS *byte

	// CommandTimeout bounds one command. Default: 15s.
	CommandTimeout time.Duration

	// Now is the clock for message timestamps. Default: time.Now.
	Now func() time.Time

	Logger Logger
}

// Bridge publishes device state to MQTT and forwards MQTT commands.
//
// State changes are queued and published by the bridge's own goroutine, so
// a slow broker never holds up the goroutine that reported the change. A
// device with a state still queued keeps only its latest one.
type Bridge struct {
	mqtt    MQTTClient
	core    Core
	topics  mqtt.Topics
	qos     byte
	timeout time.Duration
	now     func() time.Time
	logger  Logger

	mu           sync.Mutex
	started      bool
	handle       device.Handle
	availability map[string]string
	ctx          context.Context
	cancel       context.CancelFunc

	// pending holds the latest unpublished state per device; queue keeps
	// the devices in arrival order. Both under mu.
	pending    map[string]device.State
	queue      []string
	wake       chan struct{}
	workerDone chan struct{}

	wg sync.WaitGroup

	published        atomic.Uint64
	publishErrors    atomic.Uint64
	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	coalesced        atomic.Uint64
}

// New validates opts and returns a stopped Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, ErrNoMQTT
	}
	if opts.Core == nil {
		return nil, ErrNoCore
	}
	qos := byte(defaultQoS)
	if opts.QoS != nil {
		qos = *opts.QoS
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Bridge{
		mqtt:         opts.MQTT,
		core:         opts.Core,
		topics:       opts.Topics,
		qos:          qos,
		timeout:      opts.CommandTimeout,
		now:          opts.Now,
		logger:       opts.Logger,
		availability: make(map[string]string),
		pending:      make(map[string]device.State),
		wake:         make(chan struct{}, 1),
	}, nil
}

// Start subscribes to commands, publishes every known device and follows
// state changes until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if err := b.mqtt.Subscribe(b.topics.AllDeviceCommands(), b.qos, b.handleCommand); err != nil {
		b.mu.Lock()
		b.started = false
		b.cancel()
		b.mu.Unlock()
		return fmt.Errorf("mqttbridge: subscribing to commands: %w", err)
	}

	for _, s := range b.core.Devices() {
		b.publishState(s)
	}

	done := make(chan struct{})
	h := b.core.SubscribeAll(b)
	b.mu.Lock()
	b.handle = h
	b.workerDone = done
	workerCtx := b.ctx
	b.mu.Unlock()

	go b.runPublisher(workerCtx, done)

	b.logger.Info("mqtt bridge started", "commands", b.topics.AllDeviceCommands())
	return nil
}

// Stop unsubscribes, waits for in-flight commands and marks every device
// offline.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	h := b.handle
	b.handle = device.Handle{}
	done := b.workerDone
	b.cancel()
	b.mu.Unlock()

	b.core.Unsubscribe(h)
	if err := b.mqtt.Unsubscribe(b.topics.AllDeviceCommands()); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		b.logger.Warn("unsubscribing from commands failed", "error", err)
	}
	b.wg.Wait()
	if done != nil {
		<-done
	}
	b.flush()

	b.mu.Lock()
	ids := make([]string, 0, len(b.availability))
	for id := range b.availability {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.setAvailability(id, AvailabilityOffline)
	}

	b.logger.Info("mqtt bridge stopped")
}

// Resync queues every known device for republishing. Wire it to the
// broker's on-connect callback so a broker restart without persistence gets
// its retained topics back.
func (b *Bridge) Resync() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	clear(b.availability)
	b.mu.Unlock()

	for _, s := range b.core.Devices() {
		b.StateChanged(s)
	}
	b.logger.Debug("mqtt bridge resynced")
}

// StateChanged queues s for publishing and returns at once. It implements
// device.Subscriber. States arriving while the bridge is stopped are ignored.
func (b *Bridge) StateChanged(s device.State) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	if _, queued := b.pending[s.ID]; queued {
		b.coalesced.Add(1)
	} else {
		b.queue = append(b.queue, s.ID)
	}
	b.pending[s.ID] = s
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// runPublisher publishes queued states until ctx is cancelled.
func (b *Bridge) runPublisher(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
			b.flush()
		}
	}
}

// flush publishes queued states until the queue is empty.
func (b *Bridge) flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		id := b.queue[0]
		b.queue = b.queue[1:]
		s := b.pending[id]
		delete(b.pending, id)
		b.mu.Unlock()

		b.publishState(s)
	}
}

// publishState writes s and its availability to the broker.
func (b *Bridge) publishState(s device.State) {
	if s.Removed {
		b.publish(b.topics.DeviceState(s.ID), nil)
		b.publish(b.topics.DeviceAvailability(s.ID), nil)
		b.mu.Lock()
		delete(b.availability, s.ID)
		b.mu.Unlock()
		return
	}

	payload, err := json.Marshal(s)
	if err != nil {
		b.logger.Error("encoding device state failed", "device_id", s.ID, "error", err)
		return
	}
	b.publish(b.topics.DeviceState(s.ID), payload)

	avail := AvailabilityOffline
	if s.Available() {
		avail = AvailabilityOnline
	}
	b.setAvailability(s.ID, avail)
}

// ConnectionChanged publishes the push connection state. Wire it to
// push.Hooks.OnStateChange.
func (b *Bridge) ConnectionChanged(state push.State) {
	payload, _ := json.Marshal(ConnectionMessage{State: state, Timestamp: b.now().UTC()}) //nolint:errcheck // plain struct
	b.publish(b.topics.Connection(), payload)
}

// setAvailability publishes avail when it differs from the last value.
func (b *Bridge) setAvailability(id, avail string) {
	b.mu.Lock()
	if b.availability[id] == avail {
		b.mu.Unlock()
		return
	}
	b.availability[id] = avail
	b.mu.Unlock()

	b.publish(b.topics.DeviceAvailability(id), []byte(avail))
}

func (b *Bridge) publish(topic string, payload []byte) {
	if err := b.mqtt.Publish(topic, payload, b.qos, true); err != nil {
		b.publishErrors.Add(1)
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	b.published.Add(1)
}

// handleCommand is the MQTT handler for the command topics.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	id := mqtt.DeviceFromTopic(topic)
	if id == "" {
		return fmt.Errorf("mqttbridge: no device in topic %q", topic)
	}
	b.commandsReceived.Add(1)

	req, err := cloud.DecodeCommandRequest(payload)
	if err != nil {
		b.fail(id, req, err)
		return nil
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	ctx := b.ctx
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.execute(ctx, id, req)
	}()
	return nil
}

func (b *Bridge) execute(ctx context.Context, id string, req cloud.CommandRequest) {
	cmd, err := req.Build()
	if err != nil {
		b.fail(id, req, err)
		return
	}

	b.logger.Info("received mqtt command", "command_id", req.ID, "device_id", id, "command", req.Name)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ack, err := b.core.SendCommand(ctx, id, cmd)
	if err != nil {
		b.fail(id, req, err)
		return
	}

	b.publishAck(id, AckMessage{
		CommandID: req.ID,
		DeviceID:  id,
		Command:   ack.Command,
		Status:    AckAccepted,
		Code:      ack.Code,
		Timestamp: b.now().UTC(),
	})
}

func (b *Bridge) fail(id string, req cloud.CommandRequest, err error) {
	b.commandsFailed.Add(1)
	b.logger.Warn("mqtt command failed", "command_id", req.ID, "device_id", id, "error", err)

	msg := AckMessage{
		CommandID: req.ID,
		DeviceID:  id,
		Command:   req.Name,
		Status:    AckFailed,
		Error:     err.Error(),
		Timestamp: b.now().UTC(),
	}
	var cmdErr *cloud.CommandError
	if errors.As(err, &cmdErr) {
		msg.Code = cmdErr.Code
	}
	b.publishAck(id, msg)
}

func (b *Bridge) publishAck(id string, msg AckMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("encoding ack failed", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.DeviceAck(id), payload, b.qos, false); err != nil {
		b.publishErrors.Add(1)
		b.logger.Warn("publishing ack failed", "device_id", id, "error", err)
	}
}

// Stats holds bridge counters.
type Stats struct {
	Published        uint64 `json:"published"`
	Coalesced        uint64 `json:"coalesced"`
	PublishErrors    uint64 `json:"publish_errors"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published:        b.published.Load(),
		Coalesced:        b.coalesced.Load(),
		PublishErrors:    b.publishErrors.Load(),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
	}
}
