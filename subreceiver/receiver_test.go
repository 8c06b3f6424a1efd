package subreceiver

import (
	"context"
	"errors"
	"testing"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/submanstate"
)

func TestNextNeitherPresentIsInternal(t *testing.T) {
	t.Parallel()
	r := New(nil, nil)
	_, err := r.Next(context.Background())
	if !errors.Is(err, ErrInternal) {
		t.Errorf("Next() err = %v, want ErrInternal", err)
	}
}

func TestNextLocalOnlyYieldsThenEnds(t *testing.T) {
	t.Parallel()
	keys := make(chan []localstore.NoteKey, 1)
	local := &submanstate.LocalSubState{ID: 1, Keys: keys}
	r := New(local, nil)

	keys <- []localstore.NoteKey{42}
	got, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() err = %v, want nil", err)
	}
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("Next() = %v, want [42]", got)
	}

	close(keys)
	_, err = r.Next(context.Background())
	if !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Next() err = %v, want ErrStreamEnded", err)
	}
}

func TestNextRemoteOnlyNeverYieldsKeys(t *testing.T) {
	t.Parallel()
	remote := submanstate.NewRemoteSubState("r1")
	r := New(nil, remote)

	remote.Fire()
	got, err := r.Next(context.Background())
	if got != nil {
		t.Errorf("Next() = %v, want nil", got)
	}
	if !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Next() err = %v, want ErrStreamEnded", err)
	}
}

func TestNextBothRemoteWinsWhenLocalIdle(t *testing.T) {
	t.Parallel()
	keys := make(chan []localstore.NoteKey)
	local := &submanstate.LocalSubState{ID: 1, Keys: keys}
	remote := submanstate.NewRemoteSubState("r1")
	r := New(local, remote)

	remote.Fire()
	_, err := r.Next(context.Background())
	if !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Next() err = %v, want ErrStreamEnded", err)
	}
}

func TestPollDrainsWithoutBlocking(t *testing.T) {
	t.Parallel()
	keys := make(chan []localstore.NoteKey, 2)
	local := &submanstate.LocalSubState{ID: 1, Keys: keys}
	r := New(local, nil)

	if got := r.Poll(5); len(got) != 0 {
		t.Errorf("Poll() on empty channel = %v, want []", got)
	}

	keys <- []localstore.NoteKey{1}
	if got := r.Poll(5); len(got) != 1 || got[0] != 1 {
		t.Errorf("Poll() = %v, want [1]", got)
	}
	if got := r.Poll(5); len(got) != 0 {
		t.Errorf("second Poll() = %v, want []", got)
	}
}

func TestPollRemoteOnlyNeverBlocksOrYields(t *testing.T) {
	t.Parallel()
	remote := submanstate.NewRemoteSubState("r1")
	r := New(nil, remote)
	if got := r.Poll(5); got != nil {
		t.Errorf("Poll() = %v, want nil", got)
	}
}
