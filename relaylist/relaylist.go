// Package relaylist implements AccountRelayData: the per-account
// long-lived subscription that harvests an author's NIP-65 relay list
// (kind 10002) and exposes the advertised relay set, plus publication of a
// fresh relay list event when the set changes (spec §4.6).
package relaylist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/relaypool"
	"github.com/nostrclient/subman/relayspec"
	"github.com/nostrclient/subman/relayurl"
	"github.com/nostrclient/subman/subman"
	"github.com/nostrclient/subman/subreceiver"
	"github.com/nostrclient/subman/subspec"
)

// KindRelayList is NIP-65's relay list metadata event kind.
const KindRelayList = 10002

// AccountRelayData owns one pubkey's NIP-65 filter, its active standing
// subscription (if any), and a shared, mutable snapshot of the harvested
// relay set.
type AccountRelayData struct {
	pubkey string

	mu         sync.RWMutex
	advertised []relayspec.Spec
	remoteID   *string
}

// New returns relay data for pubkey with an empty advertised set.
func New(pubkey string) *AccountRelayData {
	return &AccountRelayData{pubkey: pubkey}
}

// Filter is the standing NIP-65 query for this account: the most recent
// kind-10002 note by pubkey.
func (d *AccountRelayData) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{KindRelayList}, Authors: []string{d.pubkey}, Limit: 1}
}

// Active reports whether a standing subscription is currently open.
func (d *AccountRelayData) Active() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteID != nil
}

// Activate opens the standing subscription if not already active, and spawns
// the background harvest loop that keeps the advertised set refreshed as new
// kind-10002 notes arrive. A second call is a no-op: spec's open question on
// double-deactivate is resolved the same way here, in the activate
// direction, for symmetry.
func (d *AccountRelayData) Activate(ctx context.Context, mgr *subman.Manager, store localstore.Store, defaultRelays []relayspec.Spec) (*subreceiver.Receiver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteID != nil {
		slog.Debug("relaylist: already active, ignoring duplicate activate", "pubkey", d.pubkey)
		return nil, nil
	}
	spec := subspec.NewBuilder().AppendFilter(d.Filter()).Build()
	recv, err := mgr.Subscribe(ctx, spec, defaultRelays)
	if err != nil {
		return nil, fmt.Errorf("relaylist: activate %s: %w", d.pubkey, err)
	}
	id := spec.RemoteID
	d.remoteID = &id
	go d.harvestLoop(ctx, store, recv)
	return recv, nil
}

// harvestLoop re-harvests the advertised set from every batch the standing
// subscription's receiver delivers, until Deactivate or ctx cancellation
// ends the stream. One of the two long-lived background tasks the
// concurrency model allows (spec §5), alongside mutelist's equivalent.
func (d *AccountRelayData) harvestLoop(ctx context.Context, store localstore.Store, recv *subreceiver.Receiver) {
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

// Deactivate closes the standing subscription. A second call on an already
// inactive AccountRelayData is logged and otherwise a no-op, not an error.
func (d *AccountRelayData) Deactivate(mgr *subman.Manager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteID == nil {
		slog.Warn("relaylist: deactivate called while inactive, ignoring", "pubkey", d.pubkey)
		return
	}
	if err := mgr.UnsubscribeRemoteID(*d.remoteID); err != nil {
		slog.Warn("relaylist: deactivate found nothing to unsubscribe", "pubkey", d.pubkey, "err", err)
	}
	d.remoteID = nil
}

// Seed queries the local store for an existing kind-10002 note by this
// account and harvests it into the advertised set. Accounts.Update calls it
// once, when it creates the account's data; later notes reach the set
// through the harvest loop started by Activate.
func (d *AccountRelayData) Seed(ctx context.Context, store localstore.Store) error {
	keys, err := store.Query(ctx, nostr.Filters{d.Filter()}, 1)
	if err != nil {
		return fmt.Errorf("relaylist: seed query for %s: %w", d.pubkey, err)
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

// Ingest harvests a freshly-arrived kind-10002 note, replacing the
// advertised set. Per NIP-65: tag[0] == "r" with a URL in tag[1]; tag[2] may
// be "read" or "write" (both absent means both implicitly true, presence
// sets only that side). "alt" tags are ignored; anything else is logged.
func (d *AccountRelayData) Ingest(evt *nostr.Event) {
	specs := Harvest(evt)
	d.mu.Lock()
	d.advertised = specs
	d.mu.Unlock()
}

// Harvest parses a kind-10002 event's tags into relay specs.
func Harvest(evt *nostr.Event) []relayspec.Spec {
	var out []relayspec.Spec
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "r":
			out = append(out, parseRelayTag(tag))
		case "alt":
			// advisory description, not a relay entry.
		default:
			slog.Debug("relaylist: ignoring unrecognized tag", "kind", tag[0])
		}
	}
	return out
}

func parseRelayTag(tag nostr.Tag) relayspec.Spec {
	spec := relayspec.Spec{URL: relayurl.Canon(tag[1]), Readable: true, Writable: true}
	if len(tag) >= 3 {
		switch tag[2] {
		case "read":
			spec.Writable = false
		case "write":
			spec.Readable = false
		}
	}
	return spec
}

// Advertised returns the canonical URLs of the harvested relay set matching
// filter.
func (d *AccountRelayData) Advertised(filter relayspec.Filter) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return relayspec.URLs(d.advertised, filter)
}

// Snapshot returns a copy of the full advertised relay set.
func (d *AccountRelayData) Snapshot() []relayspec.Spec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]relayspec.Spec, len(d.advertised))
	copy(out, d.advertised)
	return out
}

// Replace overwrites the advertised set directly, for Accounts'
// modify_advertised_relays mutation path.
func (d *AccountRelayData) Replace(specs []relayspec.Spec) {
	d.mu.Lock()
	d.advertised = specs
	d.mu.Unlock()
}

// PublishAdvertised builds, signs and publishes a fresh NIP-65 relay list
// event (kind 10002, empty content, one "r" tag per relay) to every relay in
// target. Publish failures are logged and do not abort the remaining
// relays, mirroring the teacher's best-effort multi-relay publish loop.
func PublishAdvertised(ctx context.Context, pool *relaypool.Pool, privateKey, pubkey string, relays []relayspec.Spec, target []string) error {
	evt := nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindRelayList,
		Tags:      relayTags(relays),
	}
	if err := evt.Sign(privateKey); err != nil {
		return fmt.Errorf("relaylist: sign relay list event: %w", err)
	}
	for _, url := range target {
		relay, err := pool.EnsureRelay(ctx, url)
		if err != nil {
			slog.Error("relaylist: could not reach relay for publish", "relay", url, "err", err)
			continue
		}
		if err := relay.Publish(ctx, evt); err != nil {
			slog.Error("relaylist: could not publish relay list", "relay", url, "err", err)
		}
	}
	return nil
}

func relayTags(relays []relayspec.Spec) nostr.Tags {
	tags := make(nostr.Tags, 0, len(relays))
	for _, r := range relays {
		switch {
		case r.Readable && r.Writable:
			tags = append(tags, nostr.Tag{"r", r.Canon()})
		case r.Readable:
			tags = append(tags, nostr.Tag{"r", r.Canon(), "read"})
		case r.Writable:
			tags = append(tags, nostr.Tag{"r", r.Canon(), "write"})
		}
	}
	return tags
}
