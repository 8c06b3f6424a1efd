package relaylist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/relaypool"
	"github.com/nostrclient/subman/relayspec"
	"github.com/nostrclient/subman/subman"
)

func TestHarvestDefaultsBothReadWriteWhenMarkerAbsent(t *testing.T) {
	t.Parallel()
	evt := &nostr.Event{Tags: nostr.Tags{{"r", "wss://Relay.Example/"}}}

	specs := Harvest(evt)

	if len(specs) != 1 {
		t.Fatalf("Harvest() = %v, want 1 spec", specs)
	}
	if !specs[0].Readable || !specs[0].Writable {
		t.Errorf("spec = %+v, want both readable and writable when marker is absent", specs[0])
	}
	if specs[0].URL != "wss://relay.example" {
		t.Errorf("URL = %q, want canonicalized", specs[0].URL)
	}
}

func TestHarvestMarkerSetsOnlyThatSide(t *testing.T) {
	t.Parallel()
	evt := &nostr.Event{Tags: nostr.Tags{
		{"r", "wss://read-only.example", "read"},
		{"r", "wss://write-only.example", "write"},
		{"alt", "a relay list"},
	}}

	specs := Harvest(evt)

	if len(specs) != 2 {
		t.Fatalf("Harvest() = %v, want 2 specs (alt tag ignored)", specs)
	}
	byURL := map[string]struct{ r, w bool }{}
	for _, s := range specs {
		byURL[s.URL] = struct{ r, w bool }{s.Readable, s.Writable}
	}
	if got := byURL["wss://read-only.example"]; !got.r || got.w {
		t.Errorf("read-only relay = %+v, want readable only", got)
	}
	if got := byURL["wss://write-only.example"]; got.r || !got.w {
		t.Errorf("write-only relay = %+v, want writable only", got)
	}
}

// fakeStore is keyed by NoteKey so a test can push new batches through
// Subscribe's channel and have GetNoteByKey resolve them, driving the
// harvest loop the same way subman.Manager's ingestion path would.
type fakeStore struct {
	mu    sync.Mutex
	notes map[localstore.NoteKey]*nostr.Event
	subCh chan []localstore.NoteKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{notes: make(map[localstore.NoteKey]*nostr.Event)}
}

func (f *fakeStore) put(key localstore.NoteKey, evt *nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[key] = evt
}

func (f *fakeStore) Query(_ context.Context, _ nostr.Filters, limit int) ([]localstore.NoteKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []localstore.NoteKey
	for k := range f.notes {
		out = append(out, k)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
func (f *fakeStore) Subscribe(context.Context, nostr.Filters) (localstore.LocalID, <-chan []localstore.NoteKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subCh == nil {
		f.subCh = make(chan []localstore.NoteKey, 4)
	}
	return 1, f.subCh, nil
}
func (f *fakeStore) Unsubscribe(localstore.LocalID)                          {}
func (f *fakeStore) ProcessEvent(context.Context, string, *nostr.Event) error { return nil }
func (f *fakeStore) ProcessClientEvent(context.Context, *nostr.Event) error   { return nil }
func (f *fakeStore) GetNoteByKey(key localstore.NoteKey) (*nostr.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.notes[key]
	return evt, ok
}
func (f *fakeStore) GetProfileByPubkey(string) (*nostr.Event, bool) { return nil, false }
func (f *fakeStore) HasEvent(string) bool                          { return false }

func TestSeedHarvestsFromExistingNote(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.put(1, &nostr.Event{Tags: nostr.Tags{{"r", "wss://seeded.example"}}})
	data := New("pk1")

	if err := data.Seed(context.Background(), store); err != nil {
		t.Fatalf("Seed() err = %v", err)
	}
	urls := data.Advertised(relayspec.All)
	if len(urls) != 1 || urls[0] != "wss://seeded.example" {
		t.Errorf("Advertised() = %v, want [wss://seeded.example]", urls)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	mgr := subman.New(relaypool.New(context.Background()), store, subman.Config{})
	data := New("pk1")

	recv1, err := data.Activate(context.Background(), mgr, store, nil)
	if err != nil {
		t.Fatalf("first Activate() err = %v", err)
	}
	if recv1 == nil {
		t.Fatal("first Activate() returned nil receiver")
	}
	if !data.Active() {
		t.Fatal("Active() = false after Activate()")
	}

	recv2, err := data.Activate(context.Background(), mgr, store, nil)
	if err != nil {
		t.Fatalf("second Activate() err = %v, want nil (idempotent)", err)
	}
	if recv2 != nil {
		t.Error("second Activate() should be a no-op, want nil receiver")
	}

	data.Deactivate(mgr)
	if data.Active() {
		t.Fatal("Active() = true after Deactivate()")
	}
	data.Deactivate(mgr) // second deactivate must not panic
}

func TestActivateHarvestLoopRefreshesOnNewBatch(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	mgr := subman.New(relaypool.New(context.Background()), store, subman.Config{})
	data := New("pk1")

	if _, err := data.Activate(context.Background(), mgr, store, nil); err != nil {
		t.Fatalf("Activate() err = %v", err)
	}

	store.put(7, &nostr.Event{Tags: nostr.Tags{{"r", "wss://refreshed.example"}}})
	store.subCh <- []localstore.NoteKey{7}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if urls := data.Advertised(relayspec.All); len(urls) == 1 && urls[0] == "wss://refreshed.example" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("harvest loop never refreshed the advertised set from the new batch")
}
