package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/cvkhang/SlideQuick/awareness"
	"github.com/cvkhang/SlideQuick/dbopen"
	"github.com/cvkhang/SlideQuick/doc"
	"github.com/cvkhang/SlideQuick/relay"
	"github.com/cvkhang/SlideQuick/room"
	"github.com/cvkhang/SlideQuick/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := &store.Store{DB: dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))}
	rooms := room.NewManager(st, room.Options{
		SaveDebounce:  10 * time.Millisecond,
		EvictionGrace: time.Minute,
	})
	srv := relay.NewServer(st, rooms, relay.Options{})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rooms.Shutdown(ctx)
	})
	return ts
}

func connect(t *testing.T, ts *httptest.Server, roomID string, opts Options) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Connect(ctx, ts.URL, roomID, opts)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
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

func TestConnectReachesSynced(t *testing.T) {
	ts := newTestServer(t)

	var mu sync.Mutex
	var seen []Status
	s := connect(t, ts, "r1", Options{
		OnStatus: func(st Status) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitSynced(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Status() != StatusSynced {
		t.Fatalf("status = %v, want synced", s.Status())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != StatusConnecting || seen[len(seen)-1] != StatusSynced {
		t.Fatalf("status transitions = %v", seen)
	}
}

func TestTwoSessionsConverge(t *testing.T) {
	ts := newTestServer(t)
	a := connect(t, ts, "r1", Options{ClientID: "a"})
	b := connect(t, ts, "r1", Options{ClientID: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.WaitSynced(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.WaitSynced(ctx); err != nil {
		t.Fatal(err)
	}

	if err := a.Update(func(d *doc.Doc) {
		d.SetProject("p1", "shared deck")
		sid := d.AddSlide("", doc.Slide{Title: "from a"})
		d.AddElement(sid, "", doc.Element{Type: doc.TypeText, Content: "hi", X: 5, Y: 5})
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "b to receive a's edit", func() bool {
		p := b.Project()
		return len(p.Slides) == 1 && p.Slides[0].Title == "from a"
	})

	anchor := b.Project().Slides[0].ID
	if err := b.Update(func(d *doc.Doc) {
		d.AddSlide(anchor, doc.Slide{Title: "from b"})
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a to receive b's edit", func() bool {
		return len(a.Project().Slides) == 2
	})
	if got := a.Project().Slides[1].Title; got != "from b" {
		t.Fatalf("second slide = %q, want %q", got, "from b")
	}
}

func TestOfflineEditsMergeOnLateJoin(t *testing.T) {
	ts := newTestServer(t)

	a := connect(t, ts, "r1", Options{ClientID: "a"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.WaitSynced(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Update(func(d *doc.Doc) {
		d.SetProject("p1", "deck")
		d.AddSlide("", doc.Slide{Title: "server side"})
	}); err != nil {
		t.Fatal(err)
	}

	// b connects later; the handshake delivers everything it missed.
	b := connect(t, ts, "r1", Options{ClientID: "b"})
	if err := b.WaitSynced(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "late joiner to converge", func() bool {
		p := b.Project()
		return p.Name == "deck" && len(p.Slides) == 1
	})
}

func TestPresenceRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	var mu sync.Mutex
	var last map[string]awareness.State
	a := connect(t, ts, "r1", Options{ClientID: "a", OnPresence: func(states map[string]awareness.State) {
		mu.Lock()
		last = states
		mu.Unlock()
	}})
	b := connect(t, ts, "r1", Options{ClientID: "b"})

	if err := b.SetPresence(awareness.State{
		User:    awareness.User{Name: "Bea", Color: "#00ff00"},
		SlideID: "s1",
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a to see b's presence", func() bool {
		mu.Lock()
		defer mu.Unlock()
		st, ok := last["b"]
		return ok && st.User.Name == "Bea"
	})

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "b's presence to clear", func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := last["b"]
		return !ok
	})
	_ = a
}

func TestOnChangeFires(t *testing.T) {
	ts := newTestServer(t)

	var mu sync.Mutex
	var created int
	a := connect(t, ts, "r1", Options{ClientID: "a", OnChange: func(cs doc.ChangeSet) {
		mu.Lock()
		created += len(cs.Created)
		mu.Unlock()
	}})
	b := connect(t, ts, "r1", Options{ClientID: "b"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.WaitSynced(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Update(func(d *doc.Doc) { d.InsertSlide("") }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "change callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return created >= 1
	})
}

func TestFetchOnce(t *testing.T) {
	ts := newTestServer(t)
	a := connect(t, ts, "r1", Options{ClientID: "a"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.WaitSynced(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Update(func(d *doc.Doc) {
		d.SetProject("p1", "fetched")
		d.AddSlide("", doc.Slide{Title: "snapshot"})
	}); err != nil {
		t.Fatal(err)
	}

	p, err := FetchOnce(context.Background(), ts.URL, "r1", 2*time.Second, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "fetched" || len(p.Slides) != 1 {
		t.Fatalf("fetched project = %+v", p)
	}
}

func TestFetchOnceTimeout(t *testing.T) {
	// A server that accepts the upgrade but never answers the handshake:
	// the fetch must surface the sync deadline as ErrFetchTimeout.
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	_, err := FetchOnce(context.Background(), ts.URL, "r1", 100*time.Millisecond, Options{})
	if !errors.Is(err, ErrFetchTimeout) {
		t.Fatalf("err = %v, want ErrFetchTimeout", err)
	}
}

func TestFetchOnceDialFailure(t *testing.T) {
	_, err := FetchOnce(context.Background(), "http://127.0.0.1:1", "r1", 500*time.Millisecond, Options{})
	if err == nil {
		t.Fatal("fetch from a dead server succeeded")
	}
	if errors.Is(err, ErrFetchTimeout) {
		t.Fatal("dial failure reported as sync timeout")
	}
}

func TestUpdateAfterCloseFails(t *testing.T) {
	ts := newTestServer(t)
	s := connect(t, ts, "r1", Options{ClientID: "a"})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	err := s.Update(func(d *doc.Doc) { d.InsertSlide("") })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestInvalidServerURL(t *testing.T) {
	if _, err := Connect(context.Background(), "ftp://example.com", "r1", Options{}); err == nil {
		t.Fatal("unsupported scheme accepted")
	}
}
