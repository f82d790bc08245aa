package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cvkhang/SlideQuick/doc"
)

// ErrFetchTimeout means the connection came up but the server never finished
// the handshake within the deadline. A dial failure surfaces as its own
// error, not this one.
var ErrFetchTimeout = errors.New("client: fetch timed out awaiting sync")

// FetchOnce connects, waits for one full sync, and returns the materialized
// document. Useful for exports and server-side rendering where no live
// session is wanted.
func FetchOnce(ctx context.Context, serverURL, roomID string, timeout time.Duration, opts Options) (doc.Project, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	s, err := Connect(ctx, serverURL, roomID, opts)
	if err != nil {
		return doc.Project{}, err
	}
	defer s.Close()

	if err := s.WaitSynced(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return doc.Project{}, ErrFetchTimeout
		}
		return doc.Project{}, fmt.Errorf("client: fetch: %w", err)
	}
	return s.Project(), nil
}
