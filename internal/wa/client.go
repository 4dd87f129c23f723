package wa

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/flynn/noise"

	"github.com/kirimkit/kirimkit/internal/engine/id"
)

// ErrNotConnected is returned for operations on a closed socket.
var ErrNotConnected = errors.New("wa: not connected")

// noiseProlog prefixes the handshake; the trailing bytes carry the
// advertised wire version's major field.
var noiseProlog = []byte{'W', 'A', 6, 2}

const maxFrameSize = 1 << 20

// Frame opcodes on the encrypted channel.
const (
	opPairRef   byte = 0x01 // server -> client pairing reference
	opAuthOK    byte = 0x02 // server -> client authenticated identity
	opStreamErr byte = 0x03 // server -> client close reason
	opRequest   byte = 0x10 // client -> server request
	opResponse  byte = 0x11 // server -> client response
	opNotify    byte = 0x12 // server -> client inbound message notify
)

// NetDialer opens real sockets against the configured endpoint.
type NetDialer struct{}

// NewDialer returns the production Dialer.
func NewDialer() *NetDialer {
	return &NetDialer{}
}

// Dial opens the websocket, runs the Noise XX handshake, and starts
// the read and keep-alive loops. The returned socket emits a
// connecting update immediately and an open update once the server
// confirms authentication.
func (d *NetDialer) Dial(ctx context.Context, opts Options) (Socket, error) {
	hdr := http.Header{}
	if opts.Origin != "" {
		hdr.Set("Origin", opts.Origin)
	}
	conn, _, err := websocket.Dial(ctx, opts.Endpoint, &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Endpoint, err)
	}
	conn.SetReadLimit(maxFrameSize)

	s := &clientSocket{
		conn:      conn,
		opts:      opts,
		events:    make(chan Event, 64),
		waiters:   make(map[string]chan []byte),
		closeCh:   make(chan struct{}),
		keepAlive: opts.KeepAlive,
	}

	if err := s.handshake(ctx); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, fmt.Errorf("noise handshake: %w", err)
	}

	s.events <- ConnectionUpdate{State: StateConnecting}

	go s.readLoop()
	go s.keepAliveLoop()

	return s, nil
}

type clientSocket struct {
	conn *websocket.Conn
	opts Options

	mu       sync.Mutex
	sendCS   *noise.CipherState
	recvCS   *noise.CipherState
	user     *User
	waiters  map[string]chan []byte
	closeErr *DisconnectError

	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once
	keepAlive time.Duration
}

// handshake runs Noise XX over length-prefixed binary frames.
func (s *clientSocket) handshake(ctx context.Context) error {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)
	static, err := cs.GenerateKeypair(nil)
	if err != nil {
		return fmt.Errorf("generate static keypair: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		Prologue:      noiseProlog,
		StaticKeypair: static,
	})
	if err != nil {
		return fmt.Errorf("handshake state: %w", err)
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return err
	}
	if err := s.writeRaw(ctx, msg); err != nil {
		return err
	}

	// <- e, ee, s, es
	reply, err := s.readRaw(ctx)
	if err != nil {
		return err
	}
	if _, _, _, err := hs.ReadMessage(nil, reply); err != nil {
		return err
	}

	// -> s, se (carries the client payload: version + fingerprint)
	payload := encodeHello(s.opts)
	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return err
	}
	if err := s.writeRaw(ctx, msg); err != nil {
		return err
	}

	s.mu.Lock()
	s.sendCS, s.recvCS = cs1, cs2
	s.mu.Unlock()

	// Authenticated sessions replay stored credentials; fresh ones
	// wait for pairing refs from the server.
	if len(s.opts.Creds) > 0 {
		return s.writeFrame(ctx, opRequest, append([]byte("login\x00"), s.opts.Creds...))
	}
	return nil
}

// encodeHello serializes the client hello payload.
func encodeHello(opts Options) []byte {
	hello := fmt.Sprintf("%d.%d.%d|%s|%s|%s",
		opts.Version[0], opts.Version[1], opts.Version[2],
		opts.Fingerprint[0], opts.Fingerprint[1], opts.Fingerprint[2])
	return []byte(hello)
}

// writeRaw sends one length-prefixed cleartext frame.
func (s *clientSocket) writeRaw(ctx context.Context, data []byte) error {
	buf := make([]byte, 3+len(data))
	buf[0] = byte(len(data) >> 16)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(data)))
	copy(buf[3:], data)
	return s.conn.Write(ctx, websocket.MessageBinary, buf)
}

// readRaw reads one length-prefixed cleartext frame.
func (s *clientSocket) readRaw(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("short frame: %d bytes", len(data))
	}
	n := int(data[0])<<16 | int(binary.BigEndian.Uint16(data[1:3]))
	if n > len(data)-3 {
		return nil, fmt.Errorf("truncated frame: want %d have %d", n, len(data)-3)
	}
	return data[3 : 3+n], nil
}

// writeFrame encrypts and sends one opcode-tagged frame.
func (s *clientSocket) writeFrame(ctx context.Context, op byte, payload []byte) error {
	s.mu.Lock()
	cs := s.sendCS
	s.mu.Unlock()
	if cs == nil {
		return ErrNotConnected
	}

	plain := append([]byte{op}, payload...)
	s.mu.Lock()
	enc, err := cs.Encrypt(nil, nil, plain)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return s.writeRaw(ctx, enc)
}

func (s *clientSocket) readLoop() {
	defer s.finish()
	ctx := context.Background()
	for {
		raw, err := s.readRaw(ctx)
		if err != nil {
			s.fail(classifyTransportErr(err))
			return
		}

		s.mu.Lock()
		cs := s.recvCS
		s.mu.Unlock()
		if cs == nil {
			s.fail(&DisconnectError{StatusCode: CodeBadSession, Message: "frame before handshake"})
			return
		}
		plain, err := cs.Decrypt(nil, nil, raw)
		if err != nil || len(plain) == 0 {
			s.fail(&DisconnectError{StatusCode: CodeBadSession, Message: "undecryptable frame"})
			return
		}

		s.dispatch(plain[0], plain[1:])
	}
}

func (s *clientSocket) dispatch(op byte, payload []byte) {
	switch op {
	case opPairRef:
		s.emit(ConnectionUpdate{State: StateConnecting, QR: string(payload)})

	case opAuthOK:
		jid, name, creds := decodeAuthOK(payload)
		s.mu.Lock()
		s.user = &User{JID: jid, Name: name}
		s.mu.Unlock()
		if len(creds) > 0 {
			s.emit(CredsUpdate{Data: creds})
		}
		s.emit(ConnectionUpdate{State: StateOpen})

	case opStreamErr:
		code, msg := decodeStreamErr(payload)
		s.fail(&DisconnectError{StatusCode: code, Message: msg})

	case opResponse:
		reqID, body := splitID(payload)
		s.mu.Lock()
		ch := s.waiters[reqID]
		delete(s.waiters, reqID)
		s.mu.Unlock()
		if ch != nil {
			ch <- body
		}

	case opNotify:
		jid, msgID, flags := decodeNotify(payload)
		s.emit(InboundMessage{
			Key:       MessageKey{RemoteJID: jid, ID: msgID, FromMe: flags&1 != 0},
			IsStatus:  flags&2 != 0,
			Timestamp: time.Now(),
		})

	default:
		slog.Debug("wa: unhandled frame", "op", op, "bytes", len(payload))
	}
}

// request sends an opRequest frame and waits for the matching response.
func (s *clientSocket) request(ctx context.Context, verb string, body []byte) ([]byte, error) {
	reqID := id.Generate()
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.waiters[reqID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, reqID)
		s.mu.Unlock()
	}()

	payload := []byte(reqID + "\x00" + verb + "\x00")
	payload = append(payload, body...)
	if err := s.writeFrame(ctx, opRequest, payload); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closeCh:
		return nil, ErrNotConnected
	}
}

func (s *clientSocket) keepAliveLoop() {
	interval := s.keepAlive
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.fail(&DisconnectError{StatusCode: CodeConnectionLost, Message: "keep-alive ping failed"})
				return
			}
		}
	}
}

// emit delivers an event without blocking the read loop forever.
func (s *clientSocket) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closeCh:
	}
}

// fail records the disconnect reason and closes the transport once.
// It never touches the events channel: the read loop is its sole
// sender and closer, and closing the conn here unblocks it. fail is
// safe to call from any goroutine.
func (s *clientSocket) fail(derr *DisconnectError) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = derr
		s.mu.Unlock()
		close(s.closeCh)
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// finish delivers the terminal close update and closes the events
// channel. Called exactly once, from the read loop's exit path.
func (s *clientSocket) finish() {
	s.mu.Lock()
	derr := s.closeErr
	s.mu.Unlock()
	if derr == nil {
		derr = &DisconnectError{StatusCode: CodeConnectionClosed, Message: "connection closed"}
	}
	select {
	case s.events <- ConnectionUpdate{State: StateClose, Err: derr}:
	default:
	}
	close(s.events)
}

func (s *clientSocket) Events() <-chan Event { return s.events }

func (s *clientSocket) SendPresence(ctx context.Context, p Presence, jid string) error {
	return s.writeFrame(ctx, opRequest, []byte("presence\x00"+string(p)+"\x00"+jid))
}

func (s *clientSocket) PresenceSubscribe(ctx context.Context, jid string) error {
	return s.writeFrame(ctx, opRequest, []byte("presence-subscribe\x00"+jid))
}

func (s *clientSocket) SendMessage(ctx context.Context, jid string, opts SendOpts) (string, error) {
	msgID := id.Generate()
	var body []byte
	if len(opts.Image) > 0 || opts.ImageURL != "" {
		body = []byte(jid + "\x00" + msgID + "\x00image\x00" + opts.ImageURL + "\x00" + opts.Caption + "\x00")
		body = append(body, opts.Image...)
	} else {
		body = []byte(jid + "\x00" + msgID + "\x00text\x00" + opts.Text)
	}
	if _, err := s.request(ctx, "send", body); err != nil {
		return "", err
	}
	return msgID, nil
}

func (s *clientSocket) ReadMessages(ctx context.Context, keys []MessageKey) error {
	var body []byte
	for _, k := range keys {
		body = append(body, []byte(k.RemoteJID+"\x00"+k.ID+"\x00")...)
	}
	return s.writeFrame(ctx, opRequest, append([]byte("read\x00"), body...))
}

func (s *clientSocket) OnWhatsApp(ctx context.Context, jid string) (bool, error) {
	resp, err := s.request(ctx, "exists", []byte(jid))
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0] == 1, nil
}

func (s *clientSocket) Logout(ctx context.Context) error {
	_, err := s.request(ctx, "logout", nil)
	return err
}

func (s *clientSocket) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *clientSocket) Close() error {
	s.fail(&DisconnectError{StatusCode: CodeConnectionClosed, Message: "closed by client"})
	return nil
}

// classifyTransportErr maps raw websocket read errors to a disconnect.
func classifyTransportErr(err error) *DisconnectError {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &DisconnectError{StatusCode: int(ce.Code), Message: ce.Reason}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &DisconnectError{StatusCode: CodeTimedOut, Message: "connection timed out"}
	}
	return &DisconnectError{StatusCode: CodeConnectionLost, Message: err.Error()}
}

// decodeAuthOK splits "jid\x00name\x00<creds>".
func decodeAuthOK(p []byte) (jid, name string, creds []byte) {
	jid, rest := cut(p)
	name, creds = cutBytes(rest)
	return jid, name, creds
}

// decodeStreamErr splits "code\x00message".
func decodeStreamErr(p []byte) (int, string) {
	codeStr, rest := cut(p)
	var code int
	_, _ = fmt.Sscanf(codeStr, "%d", &code)
	if code == 0 {
		code = CodeConnectionClosed
	}
	return code, string(rest)
}

// decodeNotify splits "jid\x00msgID\x00<flags byte>".
func decodeNotify(p []byte) (jid, msgID string, flags byte) {
	jid, rest := cut(p)
	msgID, tail := cutBytes(rest)
	if len(tail) > 0 {
		flags = tail[0]
	}
	return jid, msgID, flags
}

func splitID(p []byte) (string, []byte) {
	s, rest := cut(p)
	return s, rest
}

func cut(p []byte) (string, []byte) {
	for i, b := range p {
		if b == 0 {
			return string(p[:i]), p[i+1:]
		}
	}
	return string(p), nil
}

func cutBytes(p []byte) (string, []byte) {
	return cut(p)
}
