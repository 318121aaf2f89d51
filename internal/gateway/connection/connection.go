package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection's lifecycle state.
type State string

// Connection states. The values are persisted and broadcast.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Connection is a transport between the cloud and one gateway.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	IsConnected() bool
	State() State
	Stats() Stats

	// Subscribe registers an observer and returns a function that removes it.
	Subscribe(obs Observer) (unsubscribe func())
}

// EventKind identifies the variant of an Event.
type EventKind int

// Event kinds.
const (
	// EventStateChanged carries Change.
	EventStateChanged EventKind = iota + 1
	// EventMessage carries Data, one received frame.
	EventMessage
	// EventError carries Err for a fault that did not by itself change state.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	}
	return "unknown"
}

// StateChange describes one transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
	// Err is the fault that caused the transition, if any.
	Err error
}

// Event is delivered to observers.
type Event struct {
	Kind   EventKind
	Change StateChange
	Data   []byte
	Err    error
}

// Observer receives connection events.
type Observer func(Event)

// Stats is a snapshot of a connection's activity.
type Stats struct {
	State             State      `json:"state"`
	ConnectedAt       *time.Time `json:"connectedAt,omitempty"`
	LastActivity      *time.Time `json:"lastActivity,omitempty"`
	BytesSent         uint64     `json:"bytesSent"`
	BytesReceived     uint64     `json:"bytesReceived"`
	MessagesSent      uint64     `json:"messagesSent"`
	MessagesReceived  uint64     `json:"messagesReceived"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// machine is the state machine and statistics ledger embedded by every
// transport.
type machine struct {
	// transitionMu serializes transitions so observers see them in order.
	transitionMu sync.Mutex

	mu                sync.RWMutex
	state             State
	connectedAt       time.Time
	reconnectAttempts int

	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	lastActivity     atomic.Int64 // unix nanos

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObsID uint64
}

func (m *machine) initMachine() {
	m.state = StateDisconnected
	m.observers = make(map[uint64]Observer)
}

// State returns the current state.
func (m *machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether the state is CONNECTED.
func (m *machine) IsConnected() bool {
	return m.State() == StateConnected
}

// Subscribe registers obs and returns a function that removes it.
func (m *machine) Subscribe(obs Observer) func() {
	m.obsMu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = obs
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			delete(m.observers, id)
			m.obsMu.Unlock()
		})
	}
}

// Stats returns an activity snapshot.
func (m *machine) Stats() Stats {
	m.mu.RLock()
	s := Stats{
		State:             m.state,
		ReconnectAttempts: m.reconnectAttempts,
	}
	if !m.connectedAt.IsZero() {
		at := m.connectedAt
		s.ConnectedAt = &at
	}
	m.mu.RUnlock()

	s.BytesSent = m.bytesSent.Load()
	s.BytesReceived = m.bytesReceived.Load()
	s.MessagesSent = m.messagesSent.Load()
	s.MessagesReceived = m.messagesReceived.Load()
	if ns := m.lastActivity.Load(); ns != 0 {
		at := time.Unix(0, ns).UTC()
		s.LastActivity = &at
	}
	return s
}

// transition moves to state to and notifies observers. It is a no-op when
// already in that state. Returns whether a transition happened.
func (m *machine) transition(to State, cause error) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	now := time.Now().UTC()
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return false
	}
	m.state = to
	if to == StateConnected {
		m.connectedAt = now
	}
	m.mu.Unlock()

	m.emit(Event{
		Kind:   EventStateChanged,
		Change: StateChange{From: from, To: to, At: now, Err: cause},
	})
	return true
}

func (m *machine) setReconnectAttempts(n int) {
	m.mu.Lock()
	m.reconnectAttempts = n
	m.mu.Unlock()
}

func (m *machine) recordSent(n int) {
	m.bytesSent.Add(uint64(n))
	m.messagesSent.Add(1)
	m.touch()
}

func (m *machine) recordReceived(n int) {
	m.bytesReceived.Add(uint64(n))
	m.messagesReceived.Add(1)
	m.touch()
}

func (m *machine) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// deliver records a received frame and hands it to observers.
func (m *machine) deliver(data []byte) {
	m.recordReceived(len(data))
	m.emit(Event{Kind: EventMessage, Data: data})
}

func (m *machine) emitError(err error) {
	m.emit(Event{Kind: EventError, Err: err})
}

func (m *machine) emit(ev Event) {
	m.obsMu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for _, obs := range m.observers {
		observers = append(observers, obs)
	}
	m.obsMu.RUnlock()

	for _, obs := range observers {
		obs(ev)
	}
}
