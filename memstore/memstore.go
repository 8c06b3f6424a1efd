// Package memstore is a minimal in-memory localstore.Store, the reference
// local store the demo CLI runs against. Production deployments plug in a
// real content-addressed store (e.g. nostrdb) behind the same interface.
package memstore

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrclient/subman/localstore"
)

type query struct {
	filters nostr.Filters
	out     chan []localstore.NoteKey
}

// Store is a process-local, unindexed event store: every Query scans the
// full note set, and every ingested event is matched against every live
// subscription. Fine for a demo CLI or tests; not for a client with a real
// event volume.
type Store struct {
	mu       sync.RWMutex
	notes    map[localstore.NoteKey]*nostr.Event
	byID     map[string]localstore.NoteKey
	profiles map[string]*nostr.Event
	nextKey  localstore.NoteKey

	subMu   sync.Mutex
	nextSub localstore.LocalID
	queries map[localstore.LocalID]*query
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		notes:    make(map[localstore.NoteKey]*nostr.Event),
		byID:     make(map[string]localstore.NoteKey),
		profiles: make(map[string]*nostr.Event),
		queries:  make(map[localstore.LocalID]*query),
	}
}

var _ localstore.Store = (*Store)(nil)

func (s *Store) Query(_ context.Context, filters nostr.Filters, limit int) ([]localstore.NoteKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []localstore.NoteKey
	for key := localstore.NoteKey(1); key <= s.nextKey; key++ {
		evt, ok := s.notes[key]
		if !ok || !filters.Match(evt) {
			continue
		}
		out = append(out, key)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Subscribe(_ context.Context, filters nostr.Filters) (localstore.LocalID, <-chan []localstore.NoteKey, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	q := &query{filters: filters, out: make(chan []localstore.NoteKey, 16)}
	s.queries[id] = q
	return id, q.out, nil
}

func (s *Store) Unsubscribe(id localstore.LocalID) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if q, ok := s.queries[id]; ok {
		close(q.out)
		delete(s.queries, id)
	}
}

func (s *Store) ProcessEvent(_ context.Context, _ string, evt *nostr.Event) error {
	return s.ingest(evt)
}

func (s *Store) ProcessClientEvent(_ context.Context, evt *nostr.Event) error {
	return s.ingest(evt)
}

func (s *Store) ingest(evt *nostr.Event) error {
	s.mu.Lock()
	if _, dup := s.byID[evt.ID]; dup {
		s.mu.Unlock()
		return nil
	}
	s.nextKey++
	key := s.nextKey
	s.notes[key] = evt
	s.byID[evt.ID] = key
	if evt.Kind == 0 {
		s.profiles[evt.PubKey] = evt
	}
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, q := range s.queries {
		if q.filters.Match(evt) {
			select {
			case q.out <- []localstore.NoteKey{key}:
			default:
			}
		}
	}
	return nil
}

func (s *Store) GetNoteByKey(key localstore.NoteKey) (*nostr.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.notes[key]
	return evt, ok
}

func (s *Store) GetProfileByPubkey(pubkey string) (*nostr.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.profiles[pubkey]
	return evt, ok
}

func (s *Store) HasEvent(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}
