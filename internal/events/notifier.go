package events

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skatamatic/blulok-cloud-sub006/internal/commandqueue"
	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway"
)

const (
	defaultBufferSize     = 256
	defaultDeliverTimeout = 5 * time.Second
)

// Sink receives every published event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Sinks []Sink

	// BufferSize bounds queued events. Publishing to a full buffer drops
	// the event. Default: 256.
	BufferSize int

	// DeliverTimeout bounds one sink delivery. Default: 5 seconds.
	DeliverTimeout time.Duration

	Logger Logger
}

// Notifier fans events out to sinks from a single background goroutine.
// Publishing never blocks.
//
// It implements devicesync.Notifier and gateway.StatusNotifier.
type Notifier struct {
	cfg    NotifierConfig
	logger Logger

	sinksMu sync.RWMutex
	sinks   []Sink

	events  chan Event
	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewNotifier creates a notifier. Call Start to begin delivery.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		sinks:  slices.Clone(cfg.Sinks),
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// AddSink registers another sink.
func (n *Notifier) AddSink(s Sink) {
	n.sinksMu.Lock()
	defer n.sinksMu.Unlock()
	n.sinks = append(n.sinks, s)
}

// Start begins delivering events.
func (n *Notifier) Start() {
	n.startOnce.Do(func() {
		n.wg.Add(1)
		go n.run()
	})
}

// Stop delivers what is already queued and stops.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
}

// Dropped returns how many events were discarded because the buffer was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Publish queues e for delivery. ID and Timestamp are filled when empty.
func (n *Notifier) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	select {
	case <-n.done:
		n.logger.Debug("notifier stopped, event discarded", "event_type", e.Type)
		return
	default:
	}

	select {
	case n.events <- e:
	default:
		total := n.dropped.Add(1)
		n.logger.Warn("event buffer full, event dropped",
			"event_type", e.Type,
			"gateway_id", e.GatewayID,
			"dropped_total", total,
		)
	}
}

// GatewayStatusChanged publishes a gateway.status event.
func (n *Notifier) GatewayStatusChanged(st gateway.Status) {
	n.Publish(Event{Type: TypeGatewayStatus, GatewayID: st.GatewayID, Data: st})
}

// DeviceAdded publishes a device.added event.
func (n *Notifier) DeviceAdded(d device.Device) {
	n.Publish(Event{Type: TypeDeviceAdded, GatewayID: d.GatewayID, Data: d})
}

// DeviceRemoved publishes a device.removed event.
func (n *Notifier) DeviceRemoved(deviceID, deviceType, gatewayID string) {
	n.Publish(Event{
		Type:      TypeDeviceRemoved,
		GatewayID: gatewayID,
		Data:      DeviceRemoved{DeviceID: deviceID, DeviceType: deviceType, GatewayID: gatewayID},
	})
}

// DeviceChanged publishes a device.changed event.
func (n *Notifier) DeviceChanged(d device.Device, fields []string) {
	n.Publish(Event{
		Type:      TypeDeviceChanged,
		GatewayID: d.GatewayID,
		Data:      DeviceChanged{Device: d, Fields: slices.Clone(fields)},
	})
}

// CommandDeadLettered publishes a command.dead_lettered event. Its
// signature matches commandqueue.DispatcherConfig.OnDeadLetter.
func (n *Notifier) CommandDeadLettered(cmd commandqueue.Command, err error) {
	data := CommandDeadLettered{
		CommandID:   cmd.ID,
		FacilityID:  cmd.FacilityID,
		DeviceID:    cmd.DeviceID,
		CommandType: cmd.CommandType,
		Attempts:    cmd.AttemptCount,
	}
	if err != nil {
		data.Error = err.Error()
	}
	n.Publish(Event{Type: TypeCommandDeadLettered, GatewayID: cmd.GatewayID, Data: data})
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case e := <-n.events:
			n.deliver(e)
		case <-n.done:
			for {
				select {
				case e := <-n.events:
					n.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(e Event) {
	n.sinksMu.RLock()
	sinks := slices.Clone(n.sinks)
	n.sinksMu.RUnlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DeliverTimeout)
		err := s.Deliver(ctx, e)
		cancel()
		if err != nil {
			n.logger.Warn("event delivery failed",
				"sink", s.Name(),
				"event_type", e.Type,
				"event_id", e.ID,
				"error", err,
			)
		}
	}
}
