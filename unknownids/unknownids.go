// Package unknownids maintains the deduplicated buffer of referenced
// pubkeys and note ids the local store has not yet resolved, and turns
// that buffer into batched, one-shot resolution SubSpecs (spec §4.4).
package unknownids

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"github.com/nostrclient/subman/subspec"
)

// defaultDebounceWindow is how long generate_resolution_requests waits after
// the last bag update before ready_to_send fires again, absent an
// operator-supplied override (config.SubManConfig.DebounceWindow).
const defaultDebounceWindow = 2 * time.Second

// defaultChunkSize bounds how many pubkeys or note ids go into one
// resolution filter, an interop constraint some relays enforce, absent an
// operator-supplied override (config.SubManConfig.ChunkSize).
const defaultChunkSize = 500

// Kind discriminates the two reference shapes an UnknownId can take.
type Kind int

const (
	PubkeyID Kind = iota
	NoteID
)

// ID is an unresolved reference: a pubkey or a note id.
type ID struct {
	Kind  Kind
	Value string
}

// Bag is the deduplicated bag of unresolved ids plus the debounce
// bookkeeping from spec's UnknownIds data model.
type Bag struct {
	mu    sync.Mutex
	hints map[ID]map[string]struct{} // relay url hint -> present; "" means no hint

	firstUpdated time.Time
	lastUpdated  time.Time
	clock        func() time.Time

	debounceWindow time.Duration
	chunkSize      int
}

// New returns an empty Bag. clock defaults to time.Now; tests may inject
// their own to control debounce timing. Uses the package defaults for the
// debounce window and chunk size; use NewWithConfig to override either from
// config.SubManConfig.
func New(clock func() time.Time) *Bag {
	return NewWithConfig(clock, defaultDebounceWindow, defaultChunkSize)
}

// NewWithConfig returns an empty Bag with an operator-tunable debounce
// window and chunk size (config.SubManConfig.DebounceWindow/ChunkSize). A
// non-positive value for either falls back to its package default.
func NewWithConfig(clock func() time.Time, debounceWindow time.Duration, chunkSize int) *Bag {
	if clock == nil {
		clock = time.Now
	}
	if debounceWindow <= 0 {
		debounceWindow = defaultDebounceWindow
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Bag{
		hints:          make(map[ID]map[string]struct{}),
		clock:          clock,
		debounceWindow: debounceWindow,
		chunkSize:      chunkSize,
	}
}

// Add records id as unresolved, with an optional relay hint ("" if none).
// Safe to call with an id already present; hints accumulate.
func (b *Bag) Add(id ID, hint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.hints[id]
	if !ok {
		set = make(map[string]struct{})
		b.hints[id] = set
	}
	set[hint] = struct{}{}

	now := b.clock()
	if b.firstUpdated.IsZero() {
		b.firstUpdated = now
	}
	b.lastUpdated = now
}

// Len reports how many distinct ids are currently unresolved.
func (b *Bag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hints)
}

// ReadyToSend reports whether the bag should be flushed: non-empty, and
// either this is the first update since the last Clear (edge-trigger), or
// the debounce window has elapsed since the last update.
func (b *Bag) ReadyToSend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.hints) == 0 {
		return false
	}
	if b.firstUpdated.Equal(b.lastUpdated) {
		return true
	}
	return b.clock().Sub(b.lastUpdated) >= b.debounceWindow
}

// Clear empties the bag and resets the debounce edge-trigger. Callers flush
// with GenerateResolutionRequests then Clear.
func (b *Bag) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hints = make(map[ID]map[string]struct{})
	b.firstUpdated = time.Time{}
	b.lastUpdated = time.Time{}
}

type bucket struct {
	pubkeys []string
	notes   []string
}

// GenerateResolutionRequests groups the bag by relay hint ("" meaning "use
// default relays"), emitting every hinted id into both its own hint's
// bucket and the "" bucket, then chunks pubkeys and note ids separately
// within each bucket into runs of at most b.chunkSize. Each chunk becomes one
// SubSpec: {OneShot, OnlyRemote}, AllowedRelays([relay]) if the bucket is
// hinted, filtered on authors+kind-0 for pubkey chunks or ids for note
// chunks.
func (b *Bag) GenerateResolutionRequests() []subspec.SubSpec {
	b.mu.Lock()
	chunkSize := b.chunkSize
	buckets := make(map[string]*bucket)
	get := func(hint string) *bucket {
		bk, ok := buckets[hint]
		if !ok {
			bk = &bucket{}
			buckets[hint] = bk
		}
		return bk
	}
	for id, hintSet := range b.hints {
		add := func(bk *bucket) {
			switch id.Kind {
			case PubkeyID:
				bk.pubkeys = append(bk.pubkeys, id.Value)
			case NoteID:
				bk.notes = append(bk.notes, id.Value)
			}
		}
		// Every id lands in the "" (default-relay) bucket regardless of
		// hints, plus its own hinted bucket(s).
		add(get(""))
		for hint := range hintSet {
			if hint == "" {
				continue
			}
			add(get(hint))
		}
	}
	b.mu.Unlock()

	var specs []subspec.SubSpec
	for relay, bk := range buckets {
		for _, chunk := range lo.Chunk(bk.pubkeys, chunkSize) {
			specs = append(specs, buildRequest(relay, nostr.Filter{Authors: chunk, Kinds: []int{0}}))
		}
		for _, chunk := range lo.Chunk(bk.notes, chunkSize) {
			specs = append(specs, buildRequest(relay, nostr.Filter{IDs: chunk}))
		}
	}
	return specs
}

func buildRequest(relay string, filter nostr.Filter) subspec.SubSpec {
	builder := subspec.NewBuilder().
		AppendConstraint(subspec.OneShot).
		AppendConstraint(subspec.OnlyRemote).
		AppendFilter(filter)
	if relay != "" {
		builder.AllowRelays(relay)
	}
	return builder.Build()
}
