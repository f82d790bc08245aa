package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cvkhang/SlideQuick/doc"
	"github.com/cvkhang/SlideQuick/wire"
)

// Options tunes the manager.
type Options struct {
	// SaveDebounce is the quiet period after the last change before a
	// snapshot save. Default: 2s.
	SaveDebounce time.Duration
	// EvictionGrace is how long an empty room stays resident before its
	// document is freed. Default: 30s.
	EvictionGrace time.Duration
	// InboxSize is the per-room actor inbox capacity. Default: 256.
	InboxSize int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// OnSave, when set, is called after each successful snapshot save.
	// It runs on the room's actor goroutine and must not block.
	OnSave func(roomID string)
}

func (o *Options) defaults() {
	if o.SaveDebounce <= 0 {
		o.SaveDebounce = 2 * time.Second
	}
	if o.EvictionGrace <= 0 {
		o.EvictionGrace = 30 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager resolves room ids to resident rooms, loading snapshots on cold
// opens and guaranteeing exactly one live document per id.
type Manager struct {
	store Store
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager creates a manager persisting into store.
func NewManager(store Store, opts Options) *Manager {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  store,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// Resolve returns the resident room for id, creating it if needed.
// Idempotent: concurrent resolves for the same id converge on one Room; a
// loser's freshly initialized document is discarded, never merged.
func (m *Manager) Resolve(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	// Cold open: load outside the lock so slow storage never serializes
	// unrelated rooms.
	d, err := m.loadDocument(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r := newRoom(roomID, d, m.store, m.opts, m.release)

	m.mu.Lock()
	if existing, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return existing, nil // lost the race; drop our init
	}
	m.rooms[roomID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.run(m.ctx)
	}()
	m.opts.Logger.Info("room: resident", "room", roomID, "entities", d.Len())
	return r, nil
}

func (m *Manager) loadDocument(ctx context.Context, roomID string) (*doc.Doc, error) {
	data, err := m.store.LoadSnapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return doc.New(), nil
	}
	d, err := wire.DecodeSnapshot(data)
	if err != nil {
		// A corrupt snapshot must not take the room down; start empty.
		m.opts.Logger.Warn("room: corrupt snapshot, starting empty", "room", roomID, "error", err)
		return doc.New(), nil
	}
	return d, nil
}

// Bind resolves the room and binds the connection in one call, retrying
// when it races with an eviction.
func (m *Manager) Bind(ctx context.Context, roomID string, c Conn) (*Room, error) {
	for {
		r, err := m.Resolve(ctx, roomID)
		if err != nil {
			return nil, err
		}
		switch err := r.Bind(ctx, c); {
		case err == nil:
			return r, nil
		case errors.Is(err, ErrClosed):
			continue // evicted between resolve and bind
		default:
			return nil, err
		}
	}
}

// release unregisters a room. Called by the room actor on eviction or
// shutdown; only removes the exact instance it was called with.
func (m *Manager) release(r *Room) {
	m.mu.Lock()
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
	}
	m.mu.Unlock()
}

// Resident reports the number of rooms currently held in memory.
func (m *Manager) Resident() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown stops all room actors after a final save of every dirty room.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
