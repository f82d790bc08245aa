// Package room owns the live side of collaboration: one resident document
// plus one awareness set per room, a per-room actor serializing all
// mutations, verbatim fan-out to the room's connections, and the debounced
// persistence schedule.
//
// A room is a per-key actor: one exclusive-owner goroutine reached through
// an inbox channel. Unrelated rooms proceed fully in parallel; there is no
// global lock around documents.
package room

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cvkhang/SlideQuick/awareness"
	"github.com/cvkhang/SlideQuick/doc"
	"github.com/cvkhang/SlideQuick/wire"
)

// ErrClosed is returned when binding to a room whose actor has shut down
// (evicted or manager stopped). Callers re-resolve and retry.
var ErrClosed = errors.New("room: closed")

// Conn is one bound connection. Send must not block: implementations queue
// the frame and drop the connection rather than stall the room.
type Conn interface {
	Send(frame []byte)
}

// Store is the durable side the room manager persists into.
type Store interface {
	// LoadSnapshot returns the stored snapshot bytes, or (nil, nil) when the
	// room has none yet.
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, error)
	// SaveSnapshot upserts the snapshot bytes for a room.
	SaveSnapshot(ctx context.Context, roomID string, data []byte, projectID string) error
	// ReplaceProjectMirror projects the materialized document into the
	// relational mirror, atomically per document.
	ReplaceProjectMirror(ctx context.Context, p doc.Project) error
}

type connState struct {
	// controlled holds the awareness client ids announced over this
	// connection, cleared when it closes.
	controlled map[string]struct{}
}

// Room is one resident collaboration room. All state below inbox is owned
// by the actor goroutine.
type Room struct {
	id     string
	store  Store
	logger *slog.Logger

	debounce time.Duration
	grace    time.Duration

	inbox chan func()
	done  chan struct{}

	document *doc.Doc
	aware    *awareness.Set
	conns    map[Conn]*connState

	saveTimer  *time.Timer
	evictTimer *time.Timer

	dirty         bool
	mirrorPending bool

	onSave  func(string)
	release func(*Room)
}

func newRoom(id string, d *doc.Doc, store Store, opts Options, release func(*Room)) *Room {
	return &Room{
		id:       id,
		store:    store,
		logger:   opts.Logger,
		debounce: opts.SaveDebounce,
		grace:    opts.EvictionGrace,
		inbox:    make(chan func(), opts.InboxSize),
		done:     make(chan struct{}),
		document: d,
		aware:    awareness.NewSet(),
		conns:    make(map[Conn]*connState),
		onSave:   opts.OnSave,
		release:  release,
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

func (r *Room) enqueue(fn func()) bool {
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Bind adds a connection to the fan-out set and starts the handshake: the
// room sends its state summary and the current presence set.
func (r *Room) Bind(ctx context.Context, c Conn) error {
	reply := make(chan struct{})
	fn := func() {
		r.bind(c)
		close(reply)
	}
	select {
	case r.inbox <- fn:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		// The bind fn is already queued and will still run when the actor
		// drains its inbox. Queue an unbind behind it so an error from Bind
		// always means the connection is not in the fan-out set.
		go r.Unbind(c)
		return ctx.Err()
	}
}

// Unbind removes a connection: its presence is cleared and broadcast
// immediately; when it was the last connection the document is saved
// synchronously and the eviction grace timer starts.
func (r *Room) Unbind(c Conn) {
	r.enqueue(func() { r.unbind(c) })
}

// HandleFrame feeds one received frame into the room. Malformed frames are
// dropped and logged; the connection stays bound.
func (r *Room) HandleFrame(c Conn, frame []byte) {
	r.enqueue(func() { r.handleFrame(c, frame) })
}

// Project returns the materialized document, read on the actor goroutine.
func (r *Room) Project(ctx context.Context) (doc.Project, error) {
	reply := make(chan doc.Project, 1)
	ok := r.enqueue(func() { reply <- r.document.Materialize() })
	if !ok {
		return doc.Project{}, ErrClosed
	}
	select {
	case p := <-reply:
		return p, nil
	case <-r.done:
		return doc.Project{}, ErrClosed
	case <-ctx.Done():
		return doc.Project{}, ctx.Err()
	}
}

// run is the actor loop. It exits when the room is evicted or the manager
// context is cancelled, after a final save.
func (r *Room) run(ctx context.Context) {
	defer close(r.done)
	for {
		var saveC, evictC <-chan time.Time
		if r.saveTimer != nil {
			saveC = r.saveTimer.C
		}
		if r.evictTimer != nil {
			evictC = r.evictTimer.C
		}
		select {
		case fn := <-r.inbox:
			fn()
		case <-saveC:
			r.saveTimer = nil
			r.save(ctx)
		case <-evictC:
			r.evictTimer = nil
			if len(r.conns) == 0 {
				r.save(ctx)
				r.release(r)
				r.logger.Info("room: evicted from memory", "room", r.id)
				return
			}
		case <-ctx.Done():
			// Shutdown: final save must not be lost to the cancelled ctx.
			r.save(context.WithoutCancel(ctx))
			r.release(r)
			return
		}
	}
}

func (r *Room) bind(c Conn) {
	r.conns[c] = &connState{controlled: make(map[string]struct{})}
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
	c.Send(wire.EncodeSyncStep1(r.document.StateVector()))
	if payload := r.aware.EncodeAll(); payload != nil {
		c.Send(wire.EncodeAwareness(payload))
	}
	r.logger.Debug("room: connection bound", "room", r.id, "conns", len(r.conns))
}

func (r *Room) unbind(c Conn) {
	st, ok := r.conns[c]
	if !ok {
		return
	}
	delete(r.conns, c)
	for id := range st.controlled {
		if payload := r.aware.Remove(id); payload != nil {
			r.broadcast(nil, wire.EncodeAwareness(payload))
		}
	}
	if len(r.conns) == 0 {
		if r.saveTimer != nil {
			r.saveTimer.Stop()
			r.saveTimer = nil
		}
		r.save(context.Background())
		if r.evictTimer != nil {
			r.evictTimer.Stop()
		}
		r.evictTimer = time.NewTimer(r.grace)
	}
	r.logger.Debug("room: connection unbound", "room", r.id, "conns", len(r.conns))
}

func (r *Room) handleFrame(c Conn, frame []byte) {
	msg, err := wire.DecodeMessage(frame)
	if err != nil {
		r.logger.Warn("room: dropping malformed frame", "room", r.id, "error", err)
		return
	}
	switch msg.Channel {
	case wire.ChannelSync:
		switch msg.Step {
		case wire.SyncStep1:
			c.Send(wire.EncodeSyncStep2(r.document.DeltaSince(msg.StateVector)))
		case wire.SyncStep2, wire.SyncUpdate:
			cs := r.document.Apply(msg.Ops)
			// Forward the received bytes unchanged, never a re-encoding:
			// every replica sees the exact same wire form.
			r.broadcast(c, frame)
			if !cs.Empty() {
				r.dirty = true
				r.scheduleSave()
			}
		}
	case wire.ChannelAwareness:
		changed, err := r.aware.Apply(msg.Awareness)
		if err != nil {
			r.logger.Warn("room: dropping malformed awareness payload", "room", r.id, "error", err)
			return
		}
		if st, ok := r.conns[c]; ok {
			for _, id := range changed {
				st.controlled[id] = struct{}{}
			}
		}
		r.broadcast(c, frame)
	}
}

// broadcast sends a frame to every bound connection except from.
func (r *Room) broadcast(from Conn, frame []byte) {
	for c := range r.conns {
		if c != from {
			c.Send(frame)
		}
	}
}

func (r *Room) scheduleSave() {
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.NewTimer(r.debounce)
}

// save persists the snapshot and re-projects the mirror. Snapshot failures
// keep the room dirty and re-arm the debounce timer. Mirror failures only
// log and retry on the next cycle: the opaque snapshot stays authoritative
// and the realtime path never blocks on the mirror.
func (r *Room) save(ctx context.Context) {
	if !r.dirty && !r.mirrorPending {
		return
	}
	p := r.document.Materialize()
	if r.dirty {
		data := wire.EncodeSnapshot(r.document)
		if err := r.store.SaveSnapshot(ctx, r.id, data, p.ID); err != nil {
			r.logger.Error("room: snapshot save failed", "room", r.id, "error", err)
			r.scheduleSave()
			return
		}
		r.dirty = false
		r.mirrorPending = p.ID != ""
		r.logger.Debug("room: snapshot saved", "room", r.id, "bytes", len(data))
		if r.onSave != nil {
			r.onSave(r.id)
		}
	}
	if r.mirrorPending {
		if err := r.store.ReplaceProjectMirror(ctx, p); err != nil {
			r.logger.Warn("room: mirror write failed, retrying next cycle", "room", r.id, "error", err)
			r.scheduleSave()
			return
		}
		r.mirrorPending = false
	}
}
