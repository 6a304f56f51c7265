package transport

import (
	"context"
	"sync"

	"taplog/pkg/protocol"
)

// FaultFunc injects a failure into the n-th call (1-based) of an operation.
type FaultFunc func(call int) error

// MemoryDevice is an in-process Device. Its datalog queue is filled with
// Enqueue, either by the feed Listener or by a packet generator, and it
// keeps a table of login profiles.
type MemoryDevice struct {
	mu        sync.Mutex
	serial    string
	connected bool
	profiles  map[string]string
	profile   string
	queue     []protocol.RawPacket
	maxQueue  int
	faults    map[string]FaultFunc
	calls     map[string]int
}

type MemoryOption func(*MemoryDevice)

func WithSerial(serial string) MemoryOption {
	return func(m *MemoryDevice) {
		if serial != "" {
			m.serial = serial
		}
	}
}

// WithProfile adds a login profile.
func WithProfile(user string, password string) MemoryOption {
	return func(m *MemoryDevice) {
		if user != "" && user != AnonymousProfile {
			m.profiles[user] = password
		}
	}
}

// WithActiveProfile starts the device with a session already open, as a
// device that kept its session across host restarts would.
func WithActiveProfile(user string) MemoryOption {
	return func(m *MemoryDevice) {
		if user != "" {
			m.profile = user
		}
	}
}

// WithQueueLimit caps the datalog queue; the oldest packets are dropped
// first, like the firmware ring buffer.
func WithQueueLimit(n int) MemoryOption {
	return func(m *MemoryDevice) {
		if n > 0 {
			m.maxQueue = n
		}
	}
}

func WithFault(op string, fn FaultFunc) MemoryOption {
	return func(m *MemoryDevice) {
		if fn != nil {
			m.faults[op] = fn
		}
	}
}

func NewMemoryDevice(opts ...MemoryOption) *MemoryDevice {
	m := &MemoryDevice{
		serial:   "TAP-0000",
		profiles: make(map[string]string),
		profile:  AnonymousProfile,
		maxQueue: 4096,
		faults:   make(map[string]FaultFunc),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// begin counts the call and runs context, fault and connection checks.
// Callers hold m.mu.
func (m *MemoryDevice) begin(ctx context.Context, op string, needConn bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.calls[op]++
	if fn, ok := m.faults[op]; ok {
		if err := fn(m.calls[op]); err != nil {
			return err
		}
	}
	if needConn && !m.connected {
		return ErrNotConnected
	}
	return nil
}

func (m *MemoryDevice) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpConnect, false); err != nil {
		return err
	}
	m.connected = true
	return nil
}

func (m *MemoryDevice) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpDisconnect, false); err != nil {
		return err
	}
	m.connected = false
	return nil
}

func (m *MemoryDevice) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MemoryDevice) Login(ctx context.Context, user string, password string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpLogin, true); err != nil {
		return false, err
	}
	want, ok := m.profiles[user]
	if !ok || want != password {
		return false, nil
	}
	m.profile = user
	return true, nil
}

func (m *MemoryDevice) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpLogout, true); err != nil {
		return err
	}
	m.profile = AnonymousProfile
	return nil
}

func (m *MemoryDevice) RefreshSessionState(ctx context.Context) (SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpRefresh, true); err != nil {
		return SessionState{}, err
	}
	return SessionState{Name: m.profile}, nil
}

func (m *MemoryDevice) Datalog() Datalog {
	return m
}

func (m *MemoryDevice) PacketCount(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpPacketCount, true); err != nil {
		return 0, err
	}
	return uint32(len(m.queue)), nil
}

func (m *MemoryDevice) DequeueOnePacket(ctx context.Context) (protocol.RawPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpDequeue, true); err != nil {
		return protocol.RawPacket{}, err
	}
	if len(m.queue) == 0 {
		return protocol.RawPacket{}, ErrQueueEmpty
	}
	pkt := m.queue[0]
	m.queue[0] = protocol.RawPacket{}
	m.queue = m.queue[1:]
	return pkt, nil
}

func (m *MemoryDevice) SerialNumber(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpSerialNumber, true); err != nil {
		return "", err
	}
	return m.serial, nil
}

// Enqueue appends packets to the datalog queue and returns how many old
// packets were dropped to respect the queue limit.
func (m *MemoryDevice) Enqueue(pkts ...protocol.RawPacket) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, pkts...)
	dropped := 0
	if over := len(m.queue) - m.maxQueue; over > 0 {
		dropped = over
		m.queue = append([]protocol.RawPacket(nil), m.queue[over:]...)
	}
	return dropped
}

// Calls reports how many times op was invoked.
func (m *MemoryDevice) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
