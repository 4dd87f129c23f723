// Package wa abstracts the WhatsApp Web socket. The engine programs
// against Socket and Dialer; the concrete client lives in client.go
// and tests substitute fakes.
package wa

import (
	"context"
	"time"
)

// State is the coarse connection state carried by ConnectionUpdate.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClose
)

// Presence values accepted by SendPresence.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresencePaused      Presence = "paused"
)

// User identifies the authenticated account on a socket.
type User struct {
	JID  string
	Name string
}

// MessageKey identifies one message on the wire.
type MessageKey struct {
	RemoteJID string
	ID        string
	FromMe    bool
}

// Event is one of ConnectionUpdate, CredsUpdate, or InboundMessage.
type Event any

// ConnectionUpdate reports a connection state change. QR carries a
// pairing payload while unauthenticated; Err carries the close reason.
type ConnectionUpdate struct {
	State State
	QR    string
	Err   *DisconnectError
}

// CredsUpdate carries updated credential material to persist.
type CredsUpdate struct {
	Data []byte
}

// InboundMessage reports a message received on the socket.
type InboundMessage struct {
	Key       MessageKey
	IsStatus  bool // status@broadcast traffic
	PushName  string
	Timestamp time.Time
}

// SendOpts describes one outbound message. Exactly one of Text or
// Image must be set; Caption accompanies Image.
type SendOpts struct {
	Text     string
	Image    []byte
	ImageURL string // alternative to raw bytes
	Caption  string
}

// Socket is the opaque protocol capability a supervisor owns.
type Socket interface {
	// Events returns the socket's event stream. Closed when the
	// socket is torn down.
	Events() <-chan Event

	SendPresence(ctx context.Context, p Presence, jid string) error
	PresenceSubscribe(ctx context.Context, jid string) error
	SendMessage(ctx context.Context, jid string, opts SendOpts) (string, error)
	ReadMessages(ctx context.Context, keys []MessageKey) error

	// OnWhatsApp probes whether a JID is registered on the network.
	OnWhatsApp(ctx context.Context, jid string) (bool, error)

	Logout(ctx context.Context) error

	// User returns the authenticated identity, or nil before auth.
	User() *User

	Close() error
}

// Options configures a dial attempt.
type Options struct {
	Endpoint    string
	Origin      string
	Version     [3]int
	Fingerprint Fingerprint
	KeepAlive   time.Duration
	Creds       []byte // nil for a fresh pairing
}

// Dialer opens sockets. The engine holds exactly one per process.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Socket, error)
}
