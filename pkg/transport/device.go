package transport

import (
	"context"
	"errors"
	"fmt"

	"taplog/pkg/protocol"
)

// AnonymousProfile is the profile name a device reports when nobody is
// logged in.
const AnonymousProfile = "anonymous"

// Operation names used in OpError.
const (
	OpConnect      = "connect"
	OpDisconnect   = "disconnect"
	OpLogin        = "login"
	OpLogout       = "logout"
	OpRefresh      = "refresh session"
	OpPacketCount  = "datalog packet count"
	OpDequeue      = "datalog dequeue"
	OpSerialNumber = "serial number"
)

var (
	ErrNotConnected = errors.New("device not connected")
	ErrQueueEmpty   = errors.New("datalog queue empty")
)

// SessionState is the session as reported by the device.
type SessionState struct {
	Name string
}

// Device is the connection to one device. Implementations handle their own
// timeouts; calls on one Device are issued sequentially.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Login(ctx context.Context, user string, password string) (bool, error)
	Logout(ctx context.Context) error
	RefreshSessionState(ctx context.Context) (SessionState, error)
	Datalog() Datalog
	SerialNumber(ctx context.Context) (string, error)
}

// Datalog is the device-side packet queue.
type Datalog interface {
	PacketCount(ctx context.Context) (uint32, error)
	DequeueOnePacket(ctx context.Context) (protocol.RawPacket, error)
}

// OpError reports which device operation failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise err tagged with op. An error that
// already is an OpError is returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Err: err}
}
