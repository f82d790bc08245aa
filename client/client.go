// Package client is the Go-side collaborator: it dials a relay room,
// handshakes, keeps a local replica converged, and publishes local edits and
// presence.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cvkhang/SlideQuick/awareness"
	"github.com/cvkhang/SlideQuick/doc"
	"github.com/cvkhang/SlideQuick/idgen"
	"github.com/cvkhang/SlideQuick/wire"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("client: session closed")

// Status is the session lifecycle. It only moves forward.
type Status int

const (
	// StatusConnecting covers dial and upgrade.
	StatusConnecting Status = iota
	// StatusAwaitingSync means the socket is up and the handshake is out,
	// but no delta has come back yet; the replica may be behind.
	StatusAwaitingSync
	// StatusSynced means at least one handshake reply has been applied.
	StatusSynced
	// StatusDisconnected is terminal.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusAwaitingSync:
		return "awaiting-sync"
	case StatusSynced:
		return "synced"
	case StatusDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Options configures a session.
type Options struct {
	// ClientID tags this replica's operations and presence. Generated when
	// empty.
	ClientID string
	Logger   *slog.Logger
	Dialer   *websocket.Dialer

	// OnChange fires after remote operations land in the replica. Runs on
	// the session's read goroutine; do not call back into the session's
	// document from it.
	OnChange func(doc.ChangeSet)
	// OnStatus fires on every lifecycle transition.
	OnStatus func(Status)
	// OnPresence fires with the full presence set after it changes.
	OnPresence func(map[string]awareness.State)
}

func (o *Options) defaults() {
	if o.ClientID == "" {
		o.ClientID = idgen.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Session is one live connection to a collaboration room.
type Session struct {
	opts   Options
	ws     *websocket.Conn
	logger *slog.Logger

	mu       sync.Mutex
	document *doc.Doc
	aware    *awareness.Set
	status   Status

	writeMu sync.Mutex

	synced chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Connect dials the room and starts the handshake. The returned session is
// usable immediately; edits made before sync complete merge once it does.
func Connect(ctx context.Context, serverURL, roomID string, opts Options) (*Session, error) {
	opts.defaults()
	target, err := collabURL(serverURL, roomID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:     opts,
		logger:   opts.Logger,
		document: doc.New(doc.WithClientID(opts.ClientID)),
		aware:    awareness.NewSet(),
		status:   StatusConnecting,
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.notifyStatus(StatusConnecting)

	ws, _, err := opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", target, err)
	}
	s.ws = ws

	// Both sides open with step 1; the server's delta reply completes sync.
	if err := s.write(wire.EncodeSyncStep1(s.document.StateVector())); err != nil {
		ws.Close()
		return nil, err
	}
	s.setStatus(StatusAwaitingSync)

	go s.readLoop()
	return s, nil
}

func collabURL(serverURL, roomID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("client: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/collab/" + roomID
	return u.String(), nil
}

// ClientID returns this replica's identity.
func (s *Session) ClientID() string { return s.opts.ClientID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// WaitSynced blocks until the first handshake reply has been applied.
func (s *Session) WaitSynced(ctx context.Context) error {
	select {
	case <-s.synced:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update runs fn against the local replica and publishes the resulting
// operations. fn must only touch the document it is handed; calling back
// into the session from fn deadlocks.
func (s *Session) Update(fn func(*doc.Doc)) error {
	s.mu.Lock()
	fn(s.document)
	ops := s.document.TakePending()
	s.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	return s.write(wire.EncodeUpdate(ops))
}

// Project returns the materialized state of the local replica.
func (s *Session) Project() doc.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document.Materialize()
}

// SetPresence publishes this collaborator's ephemeral state.
func (s *Session) SetPresence(st awareness.State) error {
	s.mu.Lock()
	payload := s.aware.Set(s.opts.ClientID, st)
	s.mu.Unlock()
	return s.write(wire.EncodeAwareness(payload))
}

// ClearPresence withdraws this collaborator from the presence set.
func (s *Session) ClearPresence() error {
	s.mu.Lock()
	payload := s.aware.Remove(s.opts.ClientID)
	s.mu.Unlock()
	if payload == nil {
		return nil
	}
	return s.write(wire.EncodeAwareness(payload))
}

// Presence returns the current presence set, own entry included.
func (s *Session) Presence() map[string]awareness.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aware.States()
}

// Close withdraws presence and tears the connection down.
func (s *Session) Close() error {
	err := s.ClearPresence()
	s.shutdown()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.ws.Close()
		s.setStatus(StatusDisconnected)
	})
}

func (s *Session) write(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer s.shutdown()
	for {
		kind, frame, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("client: connection lost", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame []byte) {
	msg, err := wire.DecodeMessage(frame)
	if err != nil {
		s.logger.Warn("client: dropping malformed frame", "error", err)
		return
	}
	switch msg.Channel {
	case wire.ChannelSync:
		switch msg.Step {
		case wire.SyncStep1:
			s.mu.Lock()
			delta := s.document.DeltaSince(msg.StateVector)
			s.mu.Unlock()
			if err := s.write(wire.EncodeSyncStep2(delta)); err != nil {
				s.logger.Warn("client: handshake reply failed", "error", err)
			}
		case wire.SyncStep2, wire.SyncUpdate:
			s.mu.Lock()
			cs := s.document.Apply(msg.Ops)
			first := s.status == StatusAwaitingSync && msg.Step == wire.SyncStep2
			if first {
				s.status = StatusSynced
			}
			s.mu.Unlock()
			if first {
				close(s.synced)
				s.notifyStatus(StatusSynced)
			}
			if !cs.Empty() && s.opts.OnChange != nil {
				s.opts.OnChange(cs)
			}
		}
	case wire.ChannelAwareness:
		s.mu.Lock()
		changed, err := s.aware.Apply(msg.Awareness)
		states := s.aware.States()
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("client: dropping malformed presence payload", "error", err)
			return
		}
		if len(changed) > 0 && s.opts.OnPresence != nil {
			s.opts.OnPresence(states)
		}
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st || s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.notifyStatus(st)
}

func (s *Session) notifyStatus(st Status) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}
