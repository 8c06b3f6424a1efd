// Package accounts implements Accounts: the ordered set of user keypairs,
// selection, delta-driven activation of each account's relay-list and
// mute-list subscriptions, and advertised-relay publication (spec §4.5).
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/mutelist"
	"github.com/nostrclient/subman/relaylist"
	"github.com/nostrclient/subman/relaypool"
	"github.com/nostrclient/subman/relayspec"
	"github.com/nostrclient/subman/relayurl"
	"github.com/nostrclient/subman/subman"
	"github.com/nostrclient/subman/unknownids"
)

// UserAccount is a keypair: a pubkey, with an optional secret key for
// accounts this process can sign for.
type UserAccount struct {
	Pubkey     string
	PrivateKey string // "" if this account cannot sign
}

// HasSecret reports whether this account can sign events.
func (a UserAccount) HasSecret() bool { return a.PrivateKey != "" }

// KeyStore is the persistent keypair store, an external collaborator (spec
// §6) analogous to localstore.Store.
type KeyStore interface {
	Save(UserAccount) error
	Delete(pubkey string) error
	List() ([]UserAccount, error)
}

// RelayOp is the mutation modify_advertised_relays applies.
type RelayOp int

const (
	AddRelay RelayOp = iota
	RemoveRelay
)

type accountData struct {
	relay *relaylist.AccountRelayData
	mute  *mutelist.AccountMutedData
}

// AddResult reports what AddAccount did: which index the account now lives
// at, and the profile-resolution request UnknownIds should act on.
type AddResult struct {
	Index          int
	ResolveProfile unknownids.ID
}

// Accounts is the account set SubMan-adjacent code drives every UI tick.
type Accounts struct {
	mu sync.Mutex

	keys     KeyStore
	ordered  []UserAccount
	selected *int

	data map[string]*accountData // keyed by pubkey

	bootstrap        []relayspec.Spec
	needsRelayConfig bool

	// ForcedRelays is plumbed through from the original design but never
	// consulted by relay selection; spec leaves its intended use an open
	// question, so it is carried as inert state rather than guessed at.
	ForcedRelays []relayspec.Spec
}

// New returns an empty Accounts backed by keys, with bootstrap as the
// fallback relay set used until an account advertises its own.
func New(keys KeyStore, bootstrap []relayspec.Spec) *Accounts {
	return &Accounts{keys: keys, data: make(map[string]*accountData), bootstrap: bootstrap}
}

// AddAccount upgrades a matching unkeyed account in place if kp carries a
// secret the existing entry lacks, no-ops if the pubkey is already present
// with at least as much key material, or appends a new entry otherwise.
func (a *Accounts) AddAccount(kp UserAccount) (AddResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, existing := range a.ordered {
		if existing.Pubkey != kp.Pubkey {
			continue
		}
		if !existing.HasSecret() && kp.HasSecret() {
			a.ordered[i] = kp
			if err := a.keys.Save(kp); err != nil {
				return AddResult{}, fmt.Errorf("accounts: persist upgraded account: %w", err)
			}
		}
		return AddResult{Index: i, ResolveProfile: unknownids.ID{Kind: unknownids.PubkeyID, Value: kp.Pubkey}}, nil
	}

	if err := a.keys.Save(kp); err != nil {
		return AddResult{}, fmt.Errorf("accounts: persist new account: %w", err)
	}
	a.ordered = append(a.ordered, kp)
	return AddResult{
		Index:          len(a.ordered) - 1,
		ResolveProfile: unknownids.ID{Kind: unknownids.PubkeyID, Value: kp.Pubkey},
	}, nil
}

// RemoveAccount deletes the account at i, reselecting as spec describes: if
// i was selected, select the last remaining account (or clear selection if
// now empty); if i was before the selected index, shift selection down.
func (a *Accounts) RemoveAccount(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < 0 || i >= len(a.ordered) {
		return fmt.Errorf("accounts: index %d out of range", i)
	}
	pubkey := a.ordered[i].Pubkey
	if err := a.keys.Delete(pubkey); err != nil {
		return fmt.Errorf("accounts: delete persisted account: %w", err)
	}
	a.ordered = append(a.ordered[:i], a.ordered[i+1:]...)
	delete(a.data, pubkey)

	switch {
	case a.selected == nil:
	case *a.selected == i:
		if len(a.ordered) == 0 {
			a.selected = nil
		} else {
			last := len(a.ordered) - 1
			a.selected = &last
		}
	case *a.selected > i:
		dec := *a.selected - 1
		a.selected = &dec
	}
	return nil
}

// Select makes account i the selected account.
func (a *Accounts) Select(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.ordered) {
		return fmt.Errorf("accounts: index %d out of range", i)
	}
	a.selected = &i
	return nil
}

// NeedsRelayConfig reports whether the advertised relay set has changed
// since it was last published, and clears the flag.
func (a *Accounts) NeedsRelayConfig() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.needsRelayConfig
	a.needsRelayConfig = false
	return v
}

// Selected returns the currently selected account, if any.
func (a *Accounts) Selected() (UserAccount, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == nil {
		return UserAccount{}, false
	}
	return a.ordered[*a.selected], true
}

// Update runs one tick's worth of account bookkeeping: deactivating
// non-selected accounts' standing subscriptions, reconciling per-account
// data against the current account list, and activating the selected
// account's subscriptions. Cheap when idle: steps 1 and 3 are no-ops once
// settled, and step 2 only allocates for accounts added or removed since
// the last tick.
func (a *Accounts) Update(ctx context.Context, mgr *subman.Manager, store localstore.Store) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	selectedPubkey := ""
	if a.selected != nil {
		selectedPubkey = a.ordered[*a.selected].Pubkey
	}

	for pubkey, d := range a.data {
		if pubkey == selectedPubkey {
			continue
		}
		if d.relay.Active() {
			d.relay.Deactivate(mgr)
		}
		if d.mute.Active() {
			d.mute.Deactivate(mgr)
		}
	}

	present := make(map[string]struct{}, len(a.ordered))
	for _, acc := range a.ordered {
		present[acc.Pubkey] = struct{}{}
		if _, ok := a.data[acc.Pubkey]; ok {
			continue
		}
		d := &accountData{relay: relaylist.New(acc.Pubkey), mute: mutelist.New(acc.Pubkey)}
		if err := d.relay.Seed(ctx, store); err != nil {
			slog.Warn("accounts: seed relay data failed", "pubkey", acc.Pubkey, "err", err)
		}
		if err := d.mute.Seed(ctx, store); err != nil {
			slog.Warn("accounts: seed mute data failed", "pubkey", acc.Pubkey, "err", err)
		}
		a.data[acc.Pubkey] = d
	}
	for pubkey := range a.data {
		if _, ok := present[pubkey]; !ok {
			delete(a.data, pubkey)
		}
	}

	if selectedPubkey == "" {
		return nil
	}
	d, ok := a.data[selectedPubkey]
	if !ok {
		return nil
	}
	defaults := a.combinedRelaysLocked(relayspec.All)
	if !d.relay.Active() {
		if _, err := d.relay.Activate(ctx, mgr, store, defaults); err != nil {
			return fmt.Errorf("accounts: activate relay data for %s: %w", selectedPubkey, err)
		}
	}
	if !d.mute.Active() {
		if _, err := d.mute.Activate(ctx, mgr, store, defaults); err != nil {
			return fmt.Errorf("accounts: activate mute data for %s: %w", selectedPubkey, err)
		}
	}
	return nil
}

// GetCombinedRelays returns the selected account's advertised relays
// matching filter, falling back to the bootstrap set (filtered the same
// way) when the account has advertised none.
func (a *Accounts) GetCombinedRelays(filter relayspec.Filter) []relayspec.Spec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return specsFromURLs(a.combinedRelaysLocked(filter))
}

func (a *Accounts) combinedRelaysLocked(filter relayspec.Filter) []relayspec.Spec {
	if a.selected != nil {
		if d, ok := a.data[a.ordered[*a.selected].Pubkey]; ok {
			if urls := relayspec.URLs(d.relay.Snapshot(), filter); len(urls) > 0 {
				return specsFromURLs(urls)
			}
		}
	}
	return specsFromURLs(relayspec.URLs(a.bootstrap, filter))
}

func specsFromURLs(urls []string) []relayspec.Spec {
	out := make([]relayspec.Spec, len(urls))
	for i, u := range urls {
		out[i] = relayspec.Spec{URL: u, Readable: true, Writable: true}
	}
	return out
}

// ModifyAdvertisedRelays canonicalizes url and adds or removes it from the
// selected account's advertised set (seeding from the bootstrap set on
// first write), marks needs_relay_config, and, if the selected account can
// sign, publishes a fresh NIP-65 event advertising the new set.
func (a *Accounts) ModifyAdvertisedRelays(ctx context.Context, pool *relaypool.Pool, url string, op RelayOp) error {
	a.mu.Lock()
	if a.selected == nil {
		a.mu.Unlock()
		return fmt.Errorf("accounts: no account selected")
	}
	acct := a.ordered[*a.selected]
	d, ok := a.data[acct.Pubkey]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("accounts: no account data for selected account")
	}

	current := d.relay.Snapshot()
	if len(current) == 0 {
		current = append(current, a.bootstrap...)
	}
	updated := applyRelayOp(current, url, op)
	d.relay.Replace(updated)
	a.needsRelayConfig = true
	a.mu.Unlock()

	if !acct.HasSecret() {
		return nil
	}
	target := relayspec.URLs(updated, relayspec.All)
	return relaylist.PublishAdvertised(ctx, pool, acct.PrivateKey, acct.Pubkey, updated, target)
}

func applyRelayOp(current []relayspec.Spec, url string, op RelayOp) []relayspec.Spec {
	canon := relayurl.Canon(url)
	out := make([]relayspec.Spec, 0, len(current)+1)
	found := false
	for _, s := range current {
		if s.Canon() == canon {
			found = true
			if op == RemoveRelay {
				continue
			}
		}
		out = append(out, s)
	}
	if op == AddRelay && !found {
		out = append(out, relayspec.Spec{URL: canon, Readable: true, Writable: true})
	}
	return out
}

// MuteFn returns a snapshot-capturing predicate over the currently selected
// account's mute data. If no account is selected, the predicate always
// reports false.
func (a *Accounts) MuteFn() func(note *nostr.Event, thread []*nostr.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.selected == nil {
		return func(*nostr.Event, []*nostr.Event) bool { return false }
	}
	d, ok := a.data[a.ordered[*a.selected].Pubkey]
	if !ok {
		return func(*nostr.Event, []*nostr.Event) bool { return false }
	}
	muted := d.mute.Snapshot()

	return func(note *nostr.Event, thread []*nostr.Event) bool {
		if note == nil {
			return false
		}
		if _, ok := muted.Pubkeys[note.PubKey]; ok {
			return true
		}
		for _, tag := range note.Tags {
			if len(tag) >= 2 && tag[0] == "t" {
				if _, ok := muted.Hashtags[tag[1]]; ok {
					return true
				}
			}
		}
		lowerContent := strings.ToLower(note.Content)
		for word := range muted.Words {
			if word != "" && strings.Contains(lowerContent, word) {
				return true
			}
		}
		for _, t := range thread {
			if t == nil {
				continue
			}
			if _, ok := muted.ThreadRoots[t.ID]; ok {
				return true
			}
		}
		return false
	}
}
