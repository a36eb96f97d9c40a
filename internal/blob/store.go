package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("blob: object not found")

// Store is the object interface the orchestrator and executors share for
// invocation inputs and task outputs. Keys are invocation-scoped paths
// ("<invocation>/<node>/output" and similar); Put returns the reference that
// shows up in task and invocation records.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	GetStream(ctx context.Context, ref string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)

	// URL returns a time-limited direct-download URL for ref, or an empty
	// string when the backend has no presigning support.
	URL(ctx context.Context, ref string) (string, error)
}
