// Package subreceiver implements the consumer-facing handle SubMan hands
// back from Subscribe: it merges a local note-key stream and a remote
// end-of-stream signal into one async sequence, per spec §4.2.
package subreceiver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/submanstate"
)

// ErrStreamEnded means the subscription is done, not that anything failed.
var ErrStreamEnded = errors.New("subreceiver: stream ended")

// ErrInternal means Next was called on a receiver with neither a local nor a
// remote part, a precondition violation.
var ErrInternal = errors.New("subreceiver: internal error")

// Receiver merges a local note-key stream and a remote end-signal into a
// single Next/Poll surface.
type Receiver struct {
	local     <-chan []localstore.NoteKey
	remoteEnd <-chan struct{}
	closed    bool
}

// New builds a Receiver over the local and/or remote halves of a SubState.
// Either may be nil, matching the five operational modes in spec §4.3.
func New(local *submanstate.LocalSubState, remote *submanstate.RemoteSubState) *Receiver {
	r := &Receiver{}
	if local != nil {
		r.local = local.Keys
	}
	if remote != nil {
		r.remoteEnd = remote.EndChan()
	}
	return r
}

// Next implements the four-way merge contract from spec §4.2:
//   - both present: whichever of (next local batch) or (remote end-signal)
//     arrives first; local exhaustion is itself reported as ErrStreamEnded.
//   - local only: next local batch, or ErrStreamEnded on exhaustion.
//   - remote only (prefetch): blocks for the end-signal, yields no keys.
//   - neither: ErrInternal.
func (r *Receiver) Next(ctx context.Context) ([]localstore.NoteKey, error) {
	switch {
	case r.local != nil && r.remoteEnd != nil:
		select {
		case keys, ok := <-r.local:
			if !ok {
				return nil, ErrStreamEnded
			}
			return keys, nil
		case <-r.remoteEnd:
			return nil, ErrStreamEnded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case r.local != nil:
		select {
		case keys, ok := <-r.local:
			if !ok {
				return nil, ErrStreamEnded
			}
			return keys, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case r.remoteEnd != nil:
		select {
		case <-r.remoteEnd:
			return nil, ErrStreamEnded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return nil, ErrInternal
	}
}

// Poll never suspends: it takes batches already buffered on the local
// stream until it holds at least max keys or nothing more is buffered, and
// returns immediately, ignoring any remote part. Batches are taken whole and
// never split, so the result can hold more than max keys when the store
// delivers multi-key batches.
func (r *Receiver) Poll(max int) []localstore.NoteKey {
	if r.local == nil || max <= 0 {
		return nil
	}
	out := make([]localstore.NoteKey, 0, max)
	for len(out) < max {
		select {
		case keys, ok := <-r.local:
			if !ok {
				return out
			}
			out = append(out, keys...)
		default:
			return out
		}
	}
	return out
}

// Close marks the receiver closed and logs the drop. It performs no
// teardown: the Manager keeps the underlying SubState indexed until
// UnsubscribeLocalID or UnsubscribeRemoteID is called for it.
func (r *Receiver) Close() {
	if r.closed {
		return
	}
	r.closed = true
	slog.Debug("subreceiver: receiver dropped")
}
