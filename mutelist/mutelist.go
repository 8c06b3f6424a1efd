// Package mutelist implements AccountMutedData: the per-account long-lived
// subscription that harvests an author's NIP-51 mute list (kind 10000)
// into the four mute sets spec's Muted type describes.
package mutelist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/relayspec"
	"github.com/nostrclient/subman/subman"
	"github.com/nostrclient/subman/subreceiver"
	"github.com/nostrclient/subman/subspec"
)

// KindMuteList is NIP-51's mute list event kind.
const KindMuteList = 10000

// Muted is a snapshot of one account's mute sets.
type Muted struct {
	Pubkeys     map[string]struct{}
	Hashtags    map[string]struct{}
	Words       map[string]struct{}
	ThreadRoots map[string]struct{}
}

func emptyMuted() Muted {
	return Muted{
		Pubkeys:     make(map[string]struct{}),
		Hashtags:    make(map[string]struct{}),
		Words:       make(map[string]struct{}),
		ThreadRoots: make(map[string]struct{}),
	}
}

// AccountMutedData owns one pubkey's NIP-51 filter, its active standing
// subscription (if any), and the harvested Muted snapshot.
type AccountMutedData struct {
	pubkey string

	mu       sync.RWMutex
	muted    Muted
	remoteID *string
}

// New returns muted data for pubkey with empty mute sets.
func New(pubkey string) *AccountMutedData {
	return &AccountMutedData{pubkey: pubkey, muted: emptyMuted()}
}

// Filter is the standing NIP-51 query for this account.
func (d *AccountMutedData) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{KindMuteList}, Authors: []string{d.pubkey}, Limit: 1}
}

// Active reports whether a standing subscription is currently open.
func (d *AccountMutedData) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteID != nil
}

// Activate opens the standing subscription if not already active, and spawns
// the background harvest loop that keeps the mute snapshot refreshed as new
// kind-10000 notes arrive.
func (d *AccountMutedData) Activate(ctx context.Context, mgr *subman.Manager, store localstore.Store, defaultRelays []relayspec.Spec) (*subreceiver.Receiver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteID != nil {
		slog.Debug("mutelist: already active, ignoring duplicate activate", "pubkey", d.pubkey)
		return nil, nil
	}
	spec := subspec.NewBuilder().AppendFilter(d.Filter()).Build()
	recv, err := mgr.Subscribe(ctx, spec, defaultRelays)
	if err != nil {
		return nil, fmt.Errorf("mutelist: activate %s: %w", d.pubkey, err)
	}
	id := spec.RemoteID
	d.remoteID = &id
	go d.harvestLoop(ctx, store, recv)
	return recv, nil
}

// harvestLoop re-harvests the mute snapshot from every batch the standing
// subscription's receiver delivers, until Deactivate or ctx cancellation
// ends the stream. One of the two long-lived background tasks the
// concurrency model allows (spec §5), alongside relaylist's equivalent.
func (d *AccountMutedData) harvestLoop(ctx context.Context, store localstore.Store, recv *subreceiver.Receiver) {
	for {
		keys, err := recv.Next(ctx)
		if err != nil {
			return
		}
		for _, key := range keys {
			evt, ok := store.GetNoteByKey(key)
			if !ok {
				continue
			}
			d.Ingest(evt)
		}
	}
}

// Deactivate closes the standing subscription. A second call is logged and
// otherwise a no-op.
func (d *AccountMutedData) Deactivate(mgr *subman.Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteID == nil {
		slog.Warn("mutelist: deactivate called while inactive, ignoring", "pubkey", d.pubkey)
		return
	}
	if err := mgr.UnsubscribeRemoteID(*d.remoteID); err != nil {
		slog.Warn("mutelist: deactivate found nothing to unsubscribe", "pubkey", d.pubkey, "err", err)
	}
	d.remoteID = nil
}

// Seed queries the local store for an existing kind-10000 note and harvests
// it, the same way AccountRelayData seeds from the store's mirror of the
// standing subscription.
func (d *AccountMutedData) Seed(ctx context.Context, store localstore.Store) error {
	keys, err := store.Query(ctx, nostr.Filters{d.Filter()}, 1)
	if err != nil {
		return fmt.Errorf("mutelist: seed query for %s: %w", d.pubkey, err)
	}
	if len(keys) == 0 {
		return nil
	}
	evt, ok := store.GetNoteByKey(keys[0])
	if !ok {
		return nil
	}
	d.Ingest(evt)
	return nil
}

// Ingest harvests a freshly-arrived kind-10000 note, replacing the mute
// snapshot. Per NIP-51: tag[0] "p" -> pubkey, "t" -> hashtag, "word" ->
// word, "e" -> thread-root note id; "alt" is ignored; anything else logged.
func (d *AccountMutedData) Ingest(evt *nostr.Event) {
	m := Harvest(evt)
	d.mu.Lock()
	d.muted = m
	d.mu.Unlock()
}

// Harvest parses a kind-10000 event's tags into a Muted snapshot.
func Harvest(evt *nostr.Event) Muted {
	m := emptyMuted()
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "p":
			m.Pubkeys[tag[1]] = struct{}{}
		case "t":
			m.Hashtags[tag[1]] = struct{}{}
		case "word":
			m.Words[strings.ToLower(tag[1])] = struct{}{}
		case "e":
			m.ThreadRoots[tag[1]] = struct{}{}
		case "alt":
		default:
			slog.Debug("mutelist: ignoring unrecognized tag", "kind", tag[0])
		}
	}
	return m
}

// Snapshot returns a copy of the current mute sets, safe to capture and use
// after the account is later deselected.
func (d *AccountMutedData) Snapshot() Muted {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Muted{
		Pubkeys:     copySet(d.muted.Pubkeys),
		Hashtags:    copySet(d.muted.Hashtags),
		Words:       copySet(d.muted.Words),
		ThreadRoots: copySet(d.muted.ThreadRoots),
	}
}

func copySet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
