package unknownids

import (
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func TestReadyToSendEdgeTriggersOnFirstAdd(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bag := New(func() time.Time { return now })

	if bag.ReadyToSend() {
		t.Fatal("empty bag must not be ready to send")
	}
	bag.Add(ID{Kind: PubkeyID, Value: "pk1"}, "")
	if !bag.ReadyToSend() {
		t.Fatal("first add since clear must edge-trigger ready_to_send")
	}
}

func TestReadyToSendDebouncesSubsequentAdds(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bag := New(func() time.Time { return now })

	bag.Add(ID{Kind: PubkeyID, Value: "pk1"}, "")
	bag.Clear() // consume the edge-trigger, as a caller would after flushing
	if bag.ReadyToSend() {
		t.Fatal("cleared bag must not be ready to send")
	}

	bag.Add(ID{Kind: PubkeyID, Value: "pk2"}, "")
	if !bag.ReadyToSend() {
		t.Fatal("first add after clear must edge-trigger again")
	}

	now = now.Add(500 * time.Millisecond)
	bag.Add(ID{Kind: PubkeyID, Value: "pk3"}, "")
	if bag.ReadyToSend() {
		t.Fatal("second add within the debounce window must not be ready")
	}

	now = now.Add(2 * time.Second)
	if !bag.ReadyToSend() {
		t.Fatal("bag must be ready once the debounce window has elapsed")
	}
}

func TestGenerateResolutionRequestsBucketsByHintAndKind(t *testing.T) {
	t.Parallel()
	bag := New(nil)
	bag.Add(ID{Kind: PubkeyID, Value: "pk-no-hint"}, "")
	bag.Add(ID{Kind: PubkeyID, Value: "pk-hinted"}, "wss://hint.example")
	bag.Add(ID{Kind: NoteID, Value: "note-hinted"}, "wss://hint.example")

	specs := bag.GenerateResolutionRequests()

	var sawDefaultPubkeyFilter, sawHintedPubkeyFilter, sawHintedNoteFilter bool
	for _, spec := range specs {
		if !spec.IsOneshot || !spec.IsOnlyRemote {
			t.Errorf("spec %+v must be {OneShot, OnlyRemote}", spec)
		}
		if len(spec.Filters) != 1 {
			t.Fatalf("spec must carry exactly one filter, got %d", len(spec.Filters))
		}
		f := spec.Filters[0]
		switch {
		case len(f.Authors) > 0 && len(spec.AllowedRelays) == 0:
			sawDefaultPubkeyFilter = true
			if f.Kinds[0] != 0 {
				t.Errorf("pubkey chunk filter kinds = %v, want [0]", f.Kinds)
			}
		case len(f.Authors) > 0 && len(spec.AllowedRelays) == 1:
			sawHintedPubkeyFilter = true
		case len(f.IDs) > 0 && len(spec.AllowedRelays) == 1:
			sawHintedNoteFilter = true
		}
	}

	// every hinted id must land in both its own hint bucket and the "" bucket.
	if !sawDefaultPubkeyFilter {
		t.Error("no default-relay pubkey chunk found (hinted ids must also land in the \"\" bucket)")
	}
	if !sawHintedPubkeyFilter {
		t.Error("no hinted pubkey chunk found")
	}
	if !sawHintedNoteFilter {
		t.Error("no hinted note-id chunk found")
	}
}

func TestGenerateResolutionRequestsHintedOnlyIDsStillReachDefaultBucket(t *testing.T) {
	t.Parallel()
	bag := New(nil)
	// no unhinted ids at all: every id carries a relay hint. Each must still
	// land in the "" bucket in addition to its own hinted bucket.
	bag.Add(ID{Kind: PubkeyID, Value: "pk-hinted"}, "wss://hint.example")
	bag.Add(ID{Kind: NoteID, Value: "note-hinted"}, "wss://hint.example")

	specs := bag.GenerateResolutionRequests()

	var sawDefaultPubkeyFilter, sawDefaultNoteFilter, sawHintedPubkeyFilter, sawHintedNoteFilter bool
	for _, spec := range specs {
		f := spec.Filters[0]
		switch {
		case len(f.Authors) > 0 && len(spec.AllowedRelays) == 0:
			sawDefaultPubkeyFilter = true
		case len(f.Authors) > 0 && len(spec.AllowedRelays) == 1:
			sawHintedPubkeyFilter = true
		case len(f.IDs) > 0 && len(spec.AllowedRelays) == 0:
			sawDefaultNoteFilter = true
		case len(f.IDs) > 0 && len(spec.AllowedRelays) == 1:
			sawHintedNoteFilter = true
		}
	}

	if !sawDefaultPubkeyFilter {
		t.Error("hinted pubkey id never reached the \"\" default bucket")
	}
	if !sawDefaultNoteFilter {
		t.Error("hinted note id never reached the \"\" default bucket")
	}
	if !sawHintedPubkeyFilter {
		t.Error("no hinted pubkey chunk found")
	}
	if !sawHintedNoteFilter {
		t.Error("no hinted note chunk found")
	}
	if len(specs) != 4 {
		t.Errorf("len(specs) = %d, want 4 (default pubkey, default note, hinted pubkey, hinted note)", len(specs))
	}
}

func TestGenerateResolutionRequestsChunksLargeBuckets(t *testing.T) {
	t.Parallel()
	bag := New(nil)
	for i := 0; i < defaultChunkSize+10; i++ {
		bag.Add(ID{Kind: PubkeyID, Value: fmt.Sprintf("pk%d", i)}, "")
	}

	specs := bag.GenerateResolutionRequests()
	if len(specs) < 2 {
		t.Fatalf("expected at least 2 chunks for > defaultChunkSize distinct ids, got %d specs", len(specs))
	}
	for _, spec := range specs {
		if len(spec.Filters[0].Authors) > defaultChunkSize {
			t.Errorf("chunk size = %d, want <= %d", len(spec.Filters[0].Authors), defaultChunkSize)
		}
	}
}

type harvestStore struct {
	profiles map[string]bool
	events   map[string]bool
}

func (h *harvestStore) GetProfileByPubkey(pk string) (*nostr.Event, bool) {
	if h.profiles[pk] {
		return &nostr.Event{PubKey: pk}, true
	}
	return nil, false
}

func (h *harvestStore) HasEvent(id string) bool { return h.events[id] }

func TestHarvestAddsAbsentAuthorAndReplyTags(t *testing.T) {
	t.Parallel()
	store := &harvestStore{profiles: map[string]bool{}, events: map[string]bool{"root1": true}}
	bag := New(nil)
	evt := &nostr.Event{
		PubKey: "author1",
		Tags: nostr.Tags{
			{"e", "root1", "", "root"},
			{"e", "parent1", "wss://relay.example", "reply"},
		},
	}

	Harvest(store, bag, evt)

	if bag.Len() != 2 {
		t.Fatalf("bag.Len() = %d, want 2 (author1, parent1; root1 already known)", bag.Len())
	}
}
