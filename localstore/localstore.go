// Package localstore declares the contract subman.Manager consumes from the
// content-addressed event store. The store itself is an external
// collaborator (spec §6) — this package only types the seam.
package localstore

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// NoteKey identifies one stored note. It is opaque outside the store; two
// NoteKeys compare equal iff they name the same note.
type NoteKey uint64

// LocalID identifies one live query against the local store. It is minted
// by the store on Subscribe and is totally ordered and unique for the
// process lifetime of whichever Store produced it.
type LocalID uint64

// Store is the local content-addressed event store subman.Manager reads
// from and writes into. Implementations must be safe for concurrent readers;
// subman.Manager is the store's only writer (event ingestion path).
type Store interface {
	// Query returns up to limit note keys currently matching filters, in the
	// store's insertion order.
	Query(ctx context.Context, filters nostr.Filters, limit int) ([]NoteKey, error)

	// Subscribe registers filters against the store and returns a LocalID
	// plus a channel of freshly-matched note key batches. The channel is
	// closed when Unsubscribe(id) is called.
	Subscribe(ctx context.Context, filters nostr.Filters) (LocalID, <-chan []NoteKey, error)

	// Unsubscribe tears down a live query. Idempotent.
	Unsubscribe(id LocalID)

	// ProcessEvent ingests an event received from a websocket relay.
	ProcessEvent(ctx context.Context, relayURL string, evt *nostr.Event) error

	// ProcessClientEvent ingests an event received via the client-event path
	// (multicast relays, or locally authored events).
	ProcessClientEvent(ctx context.Context, evt *nostr.Event) error

	// GetNoteByKey returns the event stored under key, if present.
	GetNoteByKey(key NoteKey) (*nostr.Event, bool)

	// GetProfileByPubkey returns the most recent kind-0 event for pubkey, if
	// the store has one.
	GetProfileByPubkey(pubkey string) (*nostr.Event, bool)

	// HasEvent reports whether an event with this id has already been
	// ingested, by raw event id rather than opaque NoteKey. Used by the
	// unresolved-reference walk to decide whether a referenced id is worth
	// adding to the unknown-ids bag.
	HasEvent(id string) bool
}
