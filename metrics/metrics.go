// Package metrics records server counters into a local SQLite timeseries.
// Recording is async and non-blocking: a full buffer drops datapoints rather
// than applying backpressure to the realtime path.
//
// Metrics live in their own database file, away from the collaboration data,
// so batch flushes never contend with room saves.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvkhang/SlideQuick/dbopen"
)

// Metric names recorded by the server.
const (
	RequestDurationMs = "request_duration_ms"
	CollabJoins       = "collab_joins"
	FramesRelayed     = "frames_relayed"
	RoomSaves         = "room_saves"
	ResidentRooms     = "resident_rooms"
)

// Schema contains the DDL for the metrics database.
const Schema = `
CREATE TABLE IF NOT EXISTS points (
    name       TEXT NOT NULL,
    at         INTEGER NOT NULL,
    value      REAL NOT NULL,
    labels     TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_points_name_at ON points(name, at DESC);
CREATE INDEX IF NOT EXISTS idx_points_at ON points(at DESC);
`

// Point is one timeseries datapoint.
type Point struct {
	Name   string
	At     time.Time
	Value  float64
	Labels map[string]string
}

// Options tunes the recorder.
type Options struct {
	// BufferSize is how many points queue before an early flush. Default 128.
	BufferSize int
	// FlushInterval is the steady-state flush cadence. Default 5s.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

func (o *Options) defaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 128
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Recorder buffers datapoints and flushes them to SQLite in batches.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
	size   int

	mu     sync.Mutex
	buffer []Point

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// Open opens (or creates) the metrics database at path and starts the flush
// loop.
func Open(path string, opts Options) (*Recorder, error) {
	opts.defaults()
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("metrics: open: %w", err)
	}
	r := &Recorder{
		db:       db,
		logger:   opts.Logger,
		size:     opts.BufferSize,
		buffer:   make([]Point, 0, opts.BufferSize),
		interval: opts.FlushInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.flushLoop()
	return r, nil
}

// Record queues one datapoint. Never blocks; drops when the buffer is full
// and a flush is already behind.
func (r *Recorder) Record(name string, value float64, labels map[string]string) {
	r.RecordAt(Point{Name: name, At: time.Now(), Value: value, Labels: labels})
}

// RecordAt queues a fully-specified datapoint.
func (r *Recorder) RecordAt(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffer) >= r.size*2 {
		return
	}
	r.buffer = append(r.buffer, p)
	if len(r.buffer) >= r.size {
		r.flushLocked()
	}
}

// Series returns a metric's datapoints since a point in time, newest first.
func (r *Recorder) Series(ctx context.Context, name string, since time.Time, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, at, value, labels FROM points
		WHERE name = ? AND at >= ?
		ORDER BY at DESC LIMIT ?`, name, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("metrics: series: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			p      Point
			at     int64
			labels sql.NullString
		)
		if err := rows.Scan(&p.Name, &at, &p.Value, &labels); err != nil {
			return nil, err
		}
		p.At = time.UnixMilli(at)
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &p.Labels)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than the retention window.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM points WHERE at < ?`,
		time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("metrics: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes what remains and closes the database.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	return r.db.Close()
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			r.flushLocked()
			r.mu.Unlock()
		case <-r.stop:
			r.mu.Lock()
			r.flushLocked()
			r.mu.Unlock()
			return
		}
	}
}

func (r *Recorder) flushLocked() {
	if len(r.buffer) == 0 {
		return
	}
	batch := r.buffer
	r.buffer = make([]Point, 0, r.size)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO points (name, at, value, labels) VALUES (?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range batch {
			var labels sql.NullString
			if len(p.Labels) > 0 {
				if b, err := json.Marshal(p.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, p.Name, p.At.UnixMilli(), p.Value, labels); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("metrics: flush failed", "points", len(batch), "error", err)
	}
}
