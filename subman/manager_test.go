package subman

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/relaypool"
	"github.com/nostrclient/subman/submanstate"
	"github.com/nostrclient/subman/subspec"
)

// fakeStore is a hand-written localstore.Store test double, not a
// fabricated dependency: an ordinary interface stub.
type fakeStore struct {
	mu          sync.Mutex
	nextID      localstore.LocalID
	unsubscribed map[localstore.LocalID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{unsubscribed: make(map[localstore.LocalID]bool)}
}

func (f *fakeStore) Query(context.Context, nostr.Filters, int) ([]localstore.NoteKey, error) {
	return nil, nil
}

func (f *fakeStore) Subscribe(context.Context, nostr.Filters) (localstore.LocalID, <-chan []localstore.NoteKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, make(chan []localstore.NoteKey, 4), nil
}

func (f *fakeStore) Unsubscribe(id localstore.LocalID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed[id] = true
}

func (f *fakeStore) ProcessEvent(context.Context, string, *nostr.Event) error { return nil }
func (f *fakeStore) ProcessClientEvent(context.Context, *nostr.Event) error   { return nil }
func (f *fakeStore) GetNoteByKey(localstore.NoteKey) (*nostr.Event, bool)     { return nil, false }
func (f *fakeStore) GetProfileByPubkey(string) (*nostr.Event, bool)           { return nil, false }
func (f *fakeStore) HasEvent(string) bool                                     { return false }

func newTestManager(store localstore.Store) *Manager {
	ctx := context.Background()
	return New(relaypool.New(ctx), store, Config{})
}

func TestSubscribeRejectsDegenerateSpec(t *testing.T) {
	t.Parallel()
	m := newTestManager(newFakeStore())
	spec := subspec.NewBuilder().AppendConstraint(subspec.OnlyLocal).AppendConstraint(subspec.OnlyRemote).Build()

	_, err := m.Subscribe(context.Background(), spec, nil)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("Subscribe() err = %v, want ErrInternal", err)
	}
}

func TestSubscribeOnlyLocalIndexesAndUnsubscribes(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	m := newTestManager(store)
	spec := subspec.NewBuilder().
		AppendConstraint(subspec.OnlyLocal).
		AppendFilter(nostr.Filter{Kinds: []int{1}}).
		Build()

	recv, err := m.Subscribe(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Subscribe() err = %v, want nil", err)
	}
	if recv == nil {
		t.Fatal("Subscribe() returned nil receiver")
	}

	if _, ok := m.byLocal.Load(1); !ok {
		t.Fatal("local state not indexed under LocalID 1")
	}
	if err := m.UnsubscribeLocalID(1); err != nil {
		t.Fatalf("UnsubscribeLocalID() err = %v, want nil", err)
	}
	if !store.unsubscribed[1] {
		t.Fatal("store.Unsubscribe was not called")
	}
	if _, ok := m.byLocal.Load(1); ok {
		t.Fatal("local state still indexed after unsubscribe")
	}
}

func TestUnsubscribeUnknownIDIsInternalError(t *testing.T) {
	t.Parallel()
	m := newTestManager(newFakeStore())
	if err := m.UnsubscribeLocalID(999); !errors.Is(err, ErrInternal) {
		t.Errorf("UnsubscribeLocalID() err = %v, want ErrInternal", err)
	}
	if err := m.UnsubscribeRemoteID("missing"); !errors.Is(err, ErrInternal) {
		t.Errorf("UnsubscribeRemoteID() err = %v, want ErrInternal", err)
	}
}

func newRemoteOnlyState(remoteID string, oneshot bool, relays map[string]submanstate.RelaySubState) *submanstate.SubState {
	remote := submanstate.NewRemoteSubState(remoteID)
	for url, rs := range relays {
		remote.Relays[url] = rs
	}
	spec := subspec.SubSpec{RemoteID: remoteID, IsOnlyRemote: true, IsOneshot: oneshot}
	return &submanstate.SubState{Spec: spec, Remote: remote}
}

func TestConsiderFinishedStillSyncingIsNotFinished(t *testing.T) {
	t.Parallel()
	m := newTestManager(newFakeStore())
	state := newRemoteOnlyState("r1", true, map[string]submanstate.RelaySubState{
		"wss://a": submanstate.NewSyncing(),
		"wss://b": {Kind: submanstate.Current},
	})
	m.byRemote.Store("r1", state)

	if m.considerFinished(state) {
		t.Fatal("considerFinished() = true while a relay is still Syncing")
	}
	if _, ok := m.byRemote.Load("r1"); !ok {
		t.Fatal("state removed from byRemote while still unfinished")
	}
}

func TestConsiderFinishedOneShotFiresAndRemoves(t *testing.T) {
	t.Parallel()
	m := newTestManager(newFakeStore())
	state := newRemoteOnlyState("r1", true, map[string]submanstate.RelaySubState{
		"wss://a": {Kind: submanstate.Current},
		"wss://b": {Kind: submanstate.Closed},
	})
	m.byRemote.Store("r1", state)

	if !m.considerFinished(state) {
		t.Fatal("considerFinished() = false, want true for a fully-synced one-shot")
	}
	select {
	case <-state.Remote.EndChan():
	default:
		t.Fatal("end signal not fired")
	}
	if _, ok := m.byRemote.Load("r1"); ok {
		t.Fatal("one-shot state still indexed after finishing")
	}
}

func TestConsiderFinishedNonOneshotStaysLive(t *testing.T) {
	t.Parallel()
	m := newTestManager(newFakeStore())
	state := newRemoteOnlyState("r1", false, map[string]submanstate.RelaySubState{
		"wss://a": {Kind: submanstate.Current},
	})
	m.byRemote.Store("r1", state)

	if m.considerFinished(state) {
		t.Fatal("considerFinished() = true for a non-one-shot, want false (stays live)")
	}
	if _, ok := m.byRemote.Load("r1"); !ok {
		t.Fatal("non-one-shot state must remain indexed")
	}
	select {
	case <-state.Remote.EndChan():
		t.Fatal("end signal fired for a non-one-shot")
	default:
	}
}

func TestHandleEOSEClosesOneShotRelayAndFinishes(t *testing.T) {
	t.Parallel()
	m := newTestManager(newFakeStore())
	state := newRemoteOnlyState("r1", true, nil)
	state.Remote.Relays["wss://a"] = submanstate.NewSyncing()
	m.byRemote.Store("r1", state)

	m.handleEOSE("wss://a", "r1")

	if state.Remote.Relays["wss://a"].Kind != submanstate.Closed {
		t.Errorf("relay state = %v, want Closed after one-shot EOSE", state.Remote.Relays["wss://a"].Kind)
	}
	if _, ok := m.byRemote.Load("r1"); ok {
		t.Fatal("finished one-shot still indexed")
	}
}

func TestHandleEOSEUnknownSubIDDelegatesToLegacy(t *testing.T) {
	t.Parallel()
	legacy := &recordingLegacyHandler{}
	m := New(relaypool.New(context.Background()), newFakeStore(), Config{Legacy: legacy})

	m.handleEOSE("wss://a", "not-ours")

	if !legacy.eoseCalled {
		t.Fatal("legacy handler not invoked for an unrecognized subscription id")
	}
}

type recordingLegacyHandler struct {
	openedCalled bool
	eoseCalled   bool
}

func (r *recordingLegacyHandler) HandleOpened(string)       { r.openedCalled = true }
func (r *recordingLegacyHandler) HandleEOSE(string, string) { r.eoseCalled = true }

func TestComputeIdleEvictionsKeepsNeededRelays(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	idle := map[string]time.Time{"wss://needed": now.Add(-time.Hour)}
	needed := map[string]struct{}{"wss://needed": {}}

	got := computeIdleEvictions([]string{"wss://needed"}, needed, idle, now, 20*time.Second)

	if len(got) != 0 {
		t.Errorf("computeIdleEvictions() = %v, want none removed", got)
	}
	if _, stillIdle := idle["wss://needed"]; stillIdle {
		t.Error("a still-needed relay must not accrue idle time")
	}
}

func TestComputeIdleEvictionsWaitsOutGraceWindow(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	idle := map[string]time.Time{}
	needed := map[string]struct{}{}
	grace := 20 * time.Second

	got := computeIdleEvictions([]string{"wss://unneeded"}, needed, idle, start, grace)
	if len(got) != 0 {
		t.Fatalf("computeIdleEvictions() on first sighting = %v, want none removed yet", got)
	}
	if _, seen := idle["wss://unneeded"]; !seen {
		t.Fatal("first sighting of an unneeded relay must start its idle timer")
	}

	got = computeIdleEvictions([]string{"wss://unneeded"}, needed, idle, start.Add(10*time.Second), grace)
	if len(got) != 0 {
		t.Fatalf("computeIdleEvictions() before grace elapsed = %v, want none removed", got)
	}

	got = computeIdleEvictions([]string{"wss://unneeded"}, needed, idle, start.Add(21*time.Second), grace)
	if len(got) != 1 || got[0] != "wss://unneeded" {
		t.Fatalf("computeIdleEvictions() after grace elapsed = %v, want [wss://unneeded]", got)
	}
	if _, stillIdle := idle["wss://unneeded"]; stillIdle {
		t.Error("idle bookkeeping must be cleared once a relay is evicted")
	}
}
