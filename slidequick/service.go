package slidequick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cvkhang/SlideQuick/dbopen"
	"github.com/cvkhang/SlideQuick/doc"
	"github.com/cvkhang/SlideQuick/metrics"
	"github.com/cvkhang/SlideQuick/relay"
	"github.com/cvkhang/SlideQuick/room"
	"github.com/cvkhang/SlideQuick/store"
	"github.com/cvkhang/SlideQuick/wire"
)

// Service is one running collaboration server.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	store    *store.Store
	rooms    *room.Manager
	recorder *metrics.Recorder
	relay    *relay.Server
	http     *http.Server
	addr     string

	started     bool
	samplerStop chan struct{}
	samplerDone chan struct{}
}

// New opens the store and wires the server together without listening yet.
func New(cfg *Config, logger *slog.Logger, opts ...dbopen.Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Metrics are best-effort: a broken metrics database must not keep the
	// collaboration server down.
	var recorder *metrics.Recorder
	if !cfg.Metrics.Disabled {
		recorder, err = metrics.Open(cfg.Metrics.DBPath, metrics.Options{
			FlushInterval: cfg.Metrics.FlushInterval,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("slidequick: metrics disabled", "error", err)
		}
	}

	var onSave func(string)
	if recorder != nil {
		onSave = func(roomID string) {
			recorder.Record(metrics.RoomSaves, 1, map[string]string{"room": roomID})
		}
	}
	rooms := room.NewManager(st, room.Options{
		SaveDebounce:  cfg.Collab.SaveDebounce,
		EvictionGrace: cfg.Collab.EvictionGrace,
		InboxSize:     cfg.Collab.InboxSize,
		Logger:        logger,
		OnSave:        onSave,
	})

	srv := relay.NewServer(st, rooms, relay.Options{
		Logger:    logger,
		SendQueue: cfg.Collab.SendQueue,
		Metrics:   recorder,
	})

	return &Service{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		rooms:       rooms,
		recorder:    recorder,
		relay:       srv,
		http:        &http.Server{Addr: cfg.Addr, Handler: srv.Routes()},
		samplerStop: make(chan struct{}),
		samplerDone: make(chan struct{}),
	}, nil
}

// Start begins serving. It returns once the listener is bound; serving
// continues until Close.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("slidequick: serving", "addr", s.addr, "db", s.cfg.DBPath)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("slidequick: server stopped", "error", err)
		}
	}()
	go s.sampleLoop()
	s.started = true
	return nil
}

// sampleLoop records the resident room gauge until Close.
func (s *Service) sampleLoop() {
	defer close(s.samplerDone)
	if s.recorder == nil {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.recorder.Record(metrics.ResidentRooms, float64(s.rooms.Resident()), nil)
		case <-s.samplerStop:
			s.recorder.Record(metrics.ResidentRooms, float64(s.rooms.Resident()), nil)
			return
		}
	}
}

// Addr returns the bound listen address, useful when the config asked for
// port 0. Empty before Start.
func (s *Service) Addr() string { return s.addr }

// Close drains connections, saves resident rooms, flushes metrics, and
// closes the store.
func (s *Service) Close(ctx context.Context) error {
	httpErr := s.http.Shutdown(ctx)
	// Shutdown leaves hijacked websockets alone; drop them explicitly so
	// every connection unbinds before the rooms stop.
	s.relay.Close()
	roomErr := s.rooms.Shutdown(ctx)
	if s.started {
		close(s.samplerStop)
		<-s.samplerDone
	}
	var metricsErr error
	if s.recorder != nil {
		metricsErr = s.recorder.Close()
	}
	storeErr := s.store.Close()
	return errors.Join(httpErr, roomErr, metricsErr, storeErr)
}

// CleanupExpired removes share sessions past their expiry.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.store.CleanupExpired(ctx)
}

// DumpRoom decodes a room's stored snapshot into its materialized document,
// bypassing the realtime path. The room's session must exist and have been
// saved at least once.
func (s *Service) DumpRoom(ctx context.Context, roomID string) (doc.Project, error) {
	data, err := s.store.LoadSnapshot(ctx, roomID)
	if err != nil {
		return doc.Project{}, err
	}
	if data == nil {
		return doc.Project{}, fmt.Errorf("room %s has no saved state: %w", roomID, store.ErrNotFound)
	}
	d, err := wire.DecodeSnapshot(data)
	if err != nil {
		return doc.Project{}, fmt.Errorf("decode snapshot for %s: %w", roomID, err)
	}
	return d.Materialize(), nil
}

// Stats reports the live side of the server.
type Stats struct {
	ResidentRooms int    `json:"resident_rooms"`
	Addr          string `json:"addr"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{ResidentRooms: s.rooms.Resident(), Addr: s.cfg.Addr}
}
