package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/cvkhang/SlideQuick/metrics"
	"github.com/cvkhang/SlideQuick/store"
	"github.com/cvkhang/SlideQuick/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// maxFrameSize bounds a single inbound frame. Snapshots never travel on
	// the socket, only deltas, so this is generous.
	maxFrameSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The browser editor and the server are served from different origins
	// in development; session role is the access control, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts one websocket to the room fan-out. Send never blocks: frames
// queue into a bounded channel drained by the write pump, and a connection
// that falls too far behind is closed.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWSConn(ws *websocket.Conn, queue int) *wsConn {
	return &wsConn{
		ws:     ws,
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		// Slow consumer. Dropping a sync frame would desync the replica, so
		// drop the connection instead; the client reconnects and handshakes.
		c.close()
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// handleCollab upgrades the connection and pumps frames between the socket
// and the room until either side goes away.
func (s *Server) handleCollab(w http.ResponseWriter, req *http.Request) {
	roomID := chi.URLParam(req, "room")

	readOnly := false
	sess, err := s.store.GetSession(req.Context(), roomID)
	switch {
	case err == nil:
		readOnly = sess.Role == store.RoleView
	case notFound(err):
		// Unshared rooms are writable; the first save creates the session.
	default:
		s.logger.Error("relay: session lookup failed", "room", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read session")
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("relay: websocket upgrade failed", "room", roomID, "error", err)
		return
	}

	conn := newWSConn(ws, s.opts.SendQueue)
	s.trackConn(conn)
	defer s.untrackConn(conn)
	go conn.writePump()

	r, err := s.rooms.Bind(req.Context(), roomID, conn)
	if err != nil {
		s.logger.Error("relay: room bind failed", "room", roomID, "error", err)
		conn.close()
		return
	}
	s.logger.Info("relay: collaborator joined", "room", roomID, "read_only", readOnly)
	if s.opts.Metrics != nil {
		s.opts.Metrics.Record(metrics.CollabJoins, 1, map[string]string{"room": roomID})
	}

	defer func() {
		r.Unbind(conn)
		conn.close()
		s.logger.Info("relay: collaborator left", "room", roomID)
	}()

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if readOnly && mutatesDocument(frame) {
			s.logger.Warn("relay: dropping edit from view-only session", "room", roomID)
			continue
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.Record(metrics.FramesRelayed, 1, nil)
		}
		r.HandleFrame(conn, frame)
	}
}

// mutatesDocument reports whether the frame carries document operations.
// View-only sessions may still handshake (step 1) and publish presence.
func mutatesDocument(frame []byte) bool {
	rd := wire.NewReader(frame)
	channel, err := rd.Uvarint()
	if err != nil || channel != wire.ChannelSync {
		return false
	}
	step, err := rd.Uvarint()
	if err != nil {
		return false
	}
	return step == wire.SyncStep2 || step == wire.SyncUpdate
}
