package room

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cvkhang/SlideQuick/doc"
	"github.com/cvkhang/SlideQuick/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
}

func (c *fakeConn) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

type fakeStore struct {
	mu         sync.Mutex
	snaps      map[string][]byte
	projects   map[string]doc.Project
	saves      int
	mirrorErrs int // fail this many mirror writes, then succeed
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string][]byte), projects: make(map[string]doc.Project)}
}

func (s *fakeStore) LoadSnapshot(_ context.Context, roomID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[roomID], nil
}

func (s *fakeStore) SaveSnapshot(_ context.Context, roomID string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[roomID] = data
	s.saves++
	return nil
}

func (s *fakeStore) ReplaceProjectMirror(_ context.Context, p doc.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mirrorErrs > 0 {
		s.mirrorErrs--
		return errors.New("mirror down")
	}
	s.projects[p.ID] = p
	return nil
}

func (s *fakeStore) snapshot(roomID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[roomID]
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) project(id string) (doc.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	return p, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testManager(t *testing.T, st Store, opts Options) *Manager {
	t.Helper()
	m := NewManager(st, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// editorUpdate builds an update frame the way a client replica would.
func editorUpdate(d *doc.Doc, edit func(*doc.Doc)) []byte {
	edit(d)
	return wire.EncodeUpdate(d.TakePending())
}

func TestBindSendsStateSummary(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{})
	r, err := m.Bind(context.Background(), "r1", &fakeConn{})
	if err != nil {
		t.Fatal(err)
	}
	c := &fakeConn{}
	if err := r.Bind(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	frames := c.take()
	if len(frames) == 0 {
		t.Fatal("bind sent nothing")
	}
	msg, err := wire.DecodeMessage(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != wire.ChannelSync || msg.Step != wire.SyncStep1 {
		t.Fatalf("first frame is channel %d step %d, want sync step 1", msg.Channel, msg.Step)
	}
}

func TestFanOutVerbatim(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{})
	c1, c2 := &fakeConn{}, &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Bind(context.Background(), c2); err != nil {
		t.Fatal(err)
	}
	c1.take()
	c2.take()

	ed := doc.New(doc.WithClientID("editor"))
	frame := editorUpdate(ed, func(d *doc.Doc) { d.AddSlide("", doc.Slide{Title: "hello"}) })
	r.HandleFrame(c1, frame)

	var got [][]byte
	waitFor(t, "fan-out to the other connection", func() bool {
		got = append(got, c2.take()...)
		return len(got) > 0
	})
	if !bytes.Equal(got[0], frame) {
		t.Fatal("forwarded frame differs from the received bytes")
	}
	if frames := c1.take(); len(frames) != 0 {
		t.Fatalf("sender got its own update echoed back (%d frames)", len(frames))
	}

	p, err := r.Project(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Slides) != 1 || p.Slides[0].Title != "hello" {
		t.Fatalf("canonical document = %+v", p)
	}
}

func TestStep1AnsweredWithDelta(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{})
	c1 := &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}
	c1.take()

	ed := doc.New(doc.WithClientID("editor"))
	r.HandleFrame(c1, editorUpdate(ed, func(d *doc.Doc) {
		d.AddSlide("", doc.Slide{Title: "converged"})
	}))

	// A peer that has seen nothing asks with an empty vector.
	r.HandleFrame(c1, wire.EncodeSyncStep1(doc.StateVector{}))
	var reply wire.Message
	waitFor(t, "step 2 reply", func() bool {
		for _, f := range c1.take() {
			msg, err := wire.DecodeMessage(f)
			if err == nil && msg.Channel == wire.ChannelSync && msg.Step == wire.SyncStep2 {
				reply = msg
				return true
			}
		}
		return false
	})
	late := doc.New(doc.WithClientID("late"))
	late.Apply(reply.Ops)
	if len(late.Materialize().Slides) != 1 {
		t.Fatal("late joiner did not converge from one step 2")
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{})
	c1, c2 := &fakeConn{}, &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Bind(context.Background(), c2); err != nil {
		t.Fatal(err)
	}
	c1.take()
	c2.take()

	r.HandleFrame(c1, []byte{0xff, 0xfe, 0xfd})

	ed := doc.New(doc.WithClientID("editor"))
	r.HandleFrame(c1, editorUpdate(ed, func(d *doc.Doc) { d.InsertSlide("") }))
	waitFor(t, "frame after a malformed one", func() bool { return len(c2.take()) > 0 })
}

func TestPresenceClearedOnUnbind(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{})
	c1, c2 := &fakeConn{}, &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Bind(context.Background(), c2); err != nil {
		t.Fatal(err)
	}

	aw := newAwarenessPayload("editor-1")
	r.HandleFrame(c1, wire.EncodeAwareness(aw))
	waitFor(t, "awareness relay", func() bool {
		for _, f := range c2.take() {
			if msg, err := wire.DecodeMessage(f); err == nil && msg.Channel == wire.ChannelAwareness {
				return true
			}
		}
		return false
	})

	r.Unbind(c1)
	waitFor(t, "presence clearance broadcast", func() bool {
		for _, f := range c2.take() {
			if msg, err := wire.DecodeMessage(f); err == nil && msg.Channel == wire.ChannelAwareness {
				return true
			}
		}
		return false
	})
}

func TestLastCloseSavesAndEvicts(t *testing.T) {
	st := newFakeStore()
	m := testManager(t, st, Options{SaveDebounce: 10 * time.Millisecond, EvictionGrace: 20 * time.Millisecond})
	c1 := &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}

	ed := doc.New(doc.WithClientID("editor"))
	r.HandleFrame(c1, editorUpdate(ed, func(d *doc.Doc) {
		d.SetProject("p1", "saved project")
		d.AddSlide("", doc.Slide{Title: "only"})
	}))

	r.Unbind(c1)
	waitFor(t, "synchronous save on last close", func() bool { return st.snapshot("r1") != nil })
	waitFor(t, "eviction after grace", func() bool { return m.Resident() == 0 })

	// A fresh resolve reloads an equivalent document from storage, not the
	// same object.
	r2, err := m.Resolve(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r2 == r {
		t.Fatal("evicted room instance was resurrected")
	}
	p, err := r2.Project(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "saved project" || len(p.Slides) != 1 || p.Slides[0].Title != "only" {
		t.Fatalf("reloaded project = %+v", p)
	}
}

func TestRebindCancelsEviction(t *testing.T) {
	st := newFakeStore()
	m := testManager(t, st, Options{EvictionGrace: 50 * time.Millisecond})
	c1 := &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}
	r.Unbind(c1)

	// Rebind within the grace window.
	c2 := &fakeConn{}
	if _, err := m.Bind(context.Background(), "r1", c2); err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)
	if m.Resident() != 1 {
		t.Fatalf("resident = %d, want 1 (eviction should be cancelled)", m.Resident())
	}
}

func TestDebouncedSave(t *testing.T) {
	st := newFakeStore()
	m := testManager(t, st, Options{SaveDebounce: 15 * time.Millisecond})
	c1 := &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}

	ed := doc.New(doc.WithClientID("editor"))
	for i := range 5 {
		r.HandleFrame(c1, editorUpdate(ed, func(d *doc.Doc) {
			d.SetProject("p1", fmt.Sprintf("rev %d", i))
		}))
	}
	waitFor(t, "debounced snapshot", func() bool { return st.saveCount() >= 1 })
	// A burst of edits collapses into few saves, not one per edit.
	if n := st.saveCount(); n >= 5 {
		t.Fatalf("saves = %d, want the burst debounced", n)
	}
}

func TestMirrorFailureRetries(t *testing.T) {
	st := newFakeStore()
	st.mirrorErrs = 1
	m := testManager(t, st, Options{SaveDebounce: 10 * time.Millisecond})
	c1 := &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c1)
	if err != nil {
		t.Fatal(err)
	}

	ed := doc.New(doc.WithClientID("editor"))
	r.HandleFrame(c1, editorUpdate(ed, func(d *doc.Doc) {
		d.SetProject("p1", "mirrored")
		d.AddSlide("", doc.Slide{Title: "s"})
	}))

	waitFor(t, "mirror write after one failure", func() bool {
		_, ok := st.project("p1")
		return ok
	})
}

func TestConcurrentResolveSingleInstance(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{})
	const n = 16
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.Resolve(context.Background(), "same")
			if err != nil {
				t.Error(err)
				return
			}
			rooms[i] = r
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent resolves produced distinct room instances")
		}
	}
	if m.Resident() != 1 {
		t.Fatalf("resident = %d, want 1", m.Resident())
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	st := newFakeStore()
	st.snaps["r1"] = []byte("definitely not a snapshot")
	m := testManager(t, st, Options{})
	r, err := m.Resolve(context.Background(), "r1")
	if err != nil {
		t.Fatalf("corrupt snapshot must not fail the resolve: %v", err)
	}
	p, err := r.Project(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Slides) != 0 {
		t.Fatalf("project = %+v, want empty", p)
	}
}

func TestUnrelatedRoomsParallel(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("room-%d", i)
			c := &fakeConn{}
			r, err := m.Bind(context.Background(), id, c)
			if err != nil {
				t.Error(err)
				return
			}
			ed := doc.New()
			r.HandleFrame(c, editorUpdate(ed, func(d *doc.Doc) { d.InsertSlide("") }))
		}()
	}
	wg.Wait()
	if m.Resident() != 8 {
		t.Fatalf("resident = %d, want 8", m.Resident())
	}
}

// newAwarenessPayload builds a minimal presence payload for one client.
func newAwarenessPayload(clientID string) []byte {
	w := wire.NewWriter()
	w.Uvarint(1)
	w.String(clientID)
	w.Uvarint(1)
	w.Block([]byte(`{"user":{"name":"Ana","color":"#ff0000"},"slideId":"s1"}`))
	return w.Bytes()
}

func TestBindCancelDoesNotLeakConnection(t *testing.T) {
	m := testManager(t, newFakeStore(), Options{EvictionGrace: 20 * time.Millisecond})
	real := &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", real)
	if err != nil {
		t.Fatal(err)
	}

	// Park the actor inside a queued fn so the next bind stays in the inbox
	// until after its context is cancelled.
	stall := make(chan struct{})
	entered := make(chan struct{})
	r.enqueue(func() {
		close(entered)
		<-stall
	})
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Bind(ctx, &fakeConn{}) }()
	waitFor(t, "bind queued", func() bool { return len(r.inbox) == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(stall)

	// A failed bind must not count as a bound connection: once the last real
	// connection leaves, the room evicts.
	r.Unbind(real)
	waitFor(t, "room eviction", func() bool { return m.Resident() == 0 })
}

func TestSaveHookReportsSnapshots(t *testing.T) {
	var mu sync.Mutex
	saved := make(map[string]int)
	m := testManager(t, newFakeStore(), Options{
		SaveDebounce: 5 * time.Millisecond,
		OnSave: func(roomID string) {
			mu.Lock()
			saved[roomID]++
			mu.Unlock()
		},
	})
	c := &fakeConn{}
	r, err := m.Bind(context.Background(), "r1", c)
	if err != nil {
		t.Fatal(err)
	}
	ed := doc.New()
	r.HandleFrame(c, editorUpdate(ed, func(d *doc.Doc) { d.InsertSlide("") }))
	waitFor(t, "save hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return saved["r1"] > 0
	})
}
