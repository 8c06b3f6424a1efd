// Package subman implements SubMan, the subscription manager that owns the
// pool of relay connections and every subscription state, routes relay
// frames, reaps idle relays, and publishes reqs when a relay newly opens.
//
// SubMan is deliberately single-threaded cooperative (spec §5): every
// method here is meant to run from one UI/event-loop task. The xsync maps
// used for the two indexes are there for safe read access from that single
// task plus the background account-harvest loops described in spec §4.6,
// not to make Manager safe for concurrent mutation from multiple goroutines.
package subman

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/relaypool"
	"github.com/nostrclient/subman/relayspec"
	"github.com/nostrclient/subman/relayurl"
	"github.com/nostrclient/subman/submanstate"
	"github.com/nostrclient/subman/subreceiver"
	"github.com/nostrclient/subman/subspec"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultIdleGrace is the idle-reap grace window from spec §4.3: a pooled
// relay that is no longer needed by anything is removed after this long.
const DefaultIdleGrace = 20 * time.Second

// Config tunes Manager behavior.
type Config struct {
	// IdleGrace is how long an unneeded relay stays pooled before reaping.
	IdleGrace time.Duration
	// Clock lets tests control time; defaults to time.Now.
	Clock func() time.Time
	// Legacy receives Opened/EOSE notifications for subscriptions SubMan
	// does not own. Defaults to NopLegacyHandler.
	Legacy LegacyRelayHandler
}

func (c *Config) setDefaults() {
	if c.IdleGrace <= 0 {
		c.IdleGrace = DefaultIdleGrace
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Legacy == nil {
		c.Legacy = NopLegacyHandler{}
	}
}

// Manager is SubMan.
type Manager struct {
	pool  *relaypool.Pool
	store localstore.Store
	cfg   Config

	byLocal  *xsync.MapOf[localstore.LocalID, *submanstate.SubState]
	byRemote *xsync.MapOf[string, *submanstate.SubState]

	idle map[string]time.Time
}

// New returns a Manager driving pool and store.
func New(pool *relaypool.Pool, store localstore.Store, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		pool:     pool,
		store:    store,
		cfg:      cfg,
		byLocal:  xsync.NewMapOf[localstore.LocalID, *submanstate.SubState](),
		byRemote: xsync.NewMapOf[string, *submanstate.SubState](),
		idle:     make(map[string]time.Time),
	}
}

// Subscribe constructs local state (unless the spec is only-remote) and
// remote state (unless the spec is only-local), indexes the resulting
// SubState, and returns a receiver for it. See spec §4.3.
func (m *Manager) Subscribe(ctx context.Context, spec subspec.SubSpec, defaultRelays []relayspec.Spec) (*subreceiver.Receiver, error) {
	if spec.Degenerate() {
		return nil, internalErrorf("spec requests both only-local and only-remote")
	}

	var local *submanstate.LocalSubState
	if !spec.IsOnlyRemote {
		lid, keys, err := m.store.Subscribe(ctx, spec.Filters)
		if err != nil {
			return nil, ndbErrorf(err)
		}
		local = &submanstate.LocalSubState{ID: lid, Keys: keys}
	}

	var remote *submanstate.RemoteSubState
	if !spec.IsOnlyLocal {
		remote = submanstate.NewRemoteSubState(spec.RemoteID)
		for _, url := range m.selectRelays(spec, defaultRelays) {
			m.openOneRelay(ctx, remote, spec, url)
		}
	}

	state := &submanstate.SubState{Spec: spec, Local: local, Remote: remote}
	if local != nil {
		m.byLocal.Store(local.ID, state)
	}
	if remote != nil {
		m.byRemote.Store(spec.RemoteID, state)
	}
	return subreceiver.New(local, remote), nil
}

// selectRelays implements spec §4.3's relay-set ordering: allowed_relays
// wins over defaults; within that set iteration is canonical-URL-ascending
// so EOSE accounting is deterministic (spec "Tie-breaks").
func (m *Manager) selectRelays(spec subspec.SubSpec, defaultRelays []relayspec.Spec) []string {
	var urls []string
	if len(spec.AllowedRelays) > 0 {
		urls = append(urls, spec.AllowedRelays...)
	} else {
		urls = relayspec.Readable(defaultRelays)
	}
	sort.Strings(urls)
	return urls
}

// openOneRelay never blocks on a dial: the single event-loop task that calls
// Subscribe (spec §5's "nothing else suspends" contract) can't afford
// EnsureRelay's up-to-dialTimeout round trip. If url isn't already connected,
// it marks the RelaySubState Pending and kicks off the dial asynchronously;
// the subsequent FrameOpened (via handleOpenedFor) or FrameError (fanned out
// to every pending RelaySubState on that URL) advances it from there.
func (m *Manager) openOneRelay(ctx context.Context, remote *submanstate.RemoteSubState, spec subspec.SubSpec, url string) {
	canon := relayurl.Canon(url)
	if containsCanon(spec.BlockedRelays, canon) {
		remote.Relays[canon] = submanstate.NewError("blocked")
		return
	}
	if !m.pool.Connected(canon) {
		m.pool.EnsureRelayAsync(canon)
		remote.Relays[canon] = submanstate.NewPending()
		return
	}
	if err := m.pool.Send(ctx, canon, spec.RemoteID, spec.Filters); err != nil {
		slog.Debug("subman: relay not yet open, deferring REQ", "relay", canon, "remote_id", spec.RemoteID, "err", err)
		remote.Relays[canon] = submanstate.NewPending()
		return
	}
	remote.Relays[canon] = submanstate.NewSyncing()
}

// UnsubscribeLocalID tears down the SubState indexed under id.
func (m *Manager) UnsubscribeLocalID(id localstore.LocalID) error {
	state, ok := m.byLocal.Load(id)
	if !ok {
		return internalErrorf("not found")
	}
	m.teardown(state)
	return nil
}

// UnsubscribeRemoteID tears down the SubState indexed under id.
func (m *Manager) UnsubscribeRemoteID(id string) error {
	state, ok := m.byRemote.Load(id)
	if !ok {
		return internalErrorf("not found")
	}
	m.teardown(state)
	return nil
}

func (m *Manager) teardown(state *submanstate.SubState) {
	if state.Remote != nil {
		for url, rs := range state.Remote.Relays {
			if rs.Kind == submanstate.Syncing || rs.Kind == submanstate.Current {
				if err := m.pool.Close(url, state.Remote.RemoteID); err != nil {
					slog.Warn("subman: CLOSE failed, ignoring", "relay", url, "remote_id", state.Remote.RemoteID, "err", err)
				}
			}
		}
		state.Remote.Fire()
		m.byRemote.Delete(state.Remote.RemoteID)
	}
	if state.Local != nil {
		m.store.Unsubscribe(state.Local.ID)
		m.byLocal.Delete(state.Local.ID)
	}
}

// ProcessRelays is the single event-loop step: keep-alive sweep, drain
// pending relay frames, then reap idle relays. Callers invoke this
// repeatedly from the UI/event-loop task.
func (m *Manager) ProcessRelays(ctx context.Context, defaultRelays []relayspec.Spec) {
	m.pool.KeepAlive()

	events := m.pool.Events()
drain:
	for {
		select {
		case frame, ok := <-events:
			if !ok {
				break drain
			}
			m.handleFrame(ctx, frame)
		default:
			break drain
		}
	}

	m.reapIdle(defaultRelays)
}

func (m *Manager) handleFrame(ctx context.Context, f relaypool.Frame) {
	switch f.Kind {
	case relaypool.FrameOpened:
		m.cfg.Legacy.HandleOpened(f.URL)
		m.byRemote.Range(func(_ string, state *submanstate.SubState) bool {
			m.handleOpenedFor(ctx, state, f.URL)
			return true
		})
	case relaypool.FrameClosed:
		slog.Warn("subman: relay closed", "relay", f.URL)
	case relaypool.FrameError:
		m.byRemote.Range(func(_ string, state *submanstate.SubState) bool {
			if state.Remote == nil {
				return true
			}
			if _, ok := state.Remote.Relays[f.URL]; ok {
				errMsg := ""
				if f.Err != nil {
					errMsg = f.Err.Error()
				}
				state.Remote.Relays[f.URL] = submanstate.NewError(errMsg)
			}
			return true
		})
	case relaypool.FrameMessage:
		m.handleMessage(ctx, f)
	}
}

func (m *Manager) handleOpenedFor(ctx context.Context, state *submanstate.SubState, url string) {
	if state.Remote == nil {
		return
	}
	rs, ok := state.Remote.Relays[url]
	if !ok {
		return
	}
	if rs.Kind != submanstate.Pending {
		slog.Debug("subman: relay opened, subscription not pending, skipping", "relay", url, "remote_id", state.Remote.RemoteID, "state", rs.Kind.String())
		return
	}
	if err := m.pool.Send(ctx, url, state.Remote.RemoteID, state.Spec.Filters); err != nil {
		slog.Error("subman: failed to send REQ on relay open", "relay", url, "remote_id", state.Remote.RemoteID, "err", err)
		return
	}
	state.Remote.Relays[url] = submanstate.NewSyncing()
}

func (m *Manager) handleMessage(ctx context.Context, f relaypool.Frame) {
	switch f.Msg {
	case relaypool.MsgEvent:
		var err error
		if f.Multicast {
			err = m.store.ProcessClientEvent(ctx, f.Event)
		} else {
			err = m.store.ProcessEvent(ctx, f.URL, f.Event)
		}
		if err != nil {
			slog.Error("subman: dropping malformed event", "relay", f.URL, "err", err)
		}
	case relaypool.MsgNotice, relaypool.MsgOK:
		slog.Info("subman: relay message", "relay", f.URL, "msg", f.Notice)
	case relaypool.MsgEOSE:
		m.handleEOSE(f.URL, f.SubID)
	}
}

func (m *Manager) handleEOSE(url, subID string) {
	state, ok := m.byRemote.Load(subID)
	if !ok {
		m.cfg.Legacy.HandleEOSE(url, subID)
		return
	}
	if state.Remote == nil {
		return
	}
	state.Remote.Relays[url] = submanstate.RelaySubState{Kind: submanstate.Current}
	if state.Spec.IsOneshot {
		if err := m.pool.Close(url, subID); err != nil {
			slog.Warn("subman: CLOSE failed, ignoring", "relay", url, "remote_id", subID, "err", err)
		}
		state.Remote.Relays[url] = submanstate.RelaySubState{Kind: submanstate.Closed}
	}
	m.considerFinished(state)
}

// considerFinished implements spec §4.3: not-finished while any relay is
// still Syncing; a finished one-shot fires its end-signal and drops out of
// the RemoteID index; a finished non-one-shot just stays live.
func (m *Manager) considerFinished(state *submanstate.SubState) bool {
	for _, rs := range state.Remote.Relays {
		if rs.Kind == submanstate.Syncing {
			return false
		}
	}
	if !state.Spec.IsOneshot {
		return false
	}
	state.Remote.Fire()
	m.byRemote.Delete(state.Remote.RemoteID)
	return true
}

// reapIdle implements the idle reaper from spec §4.3: a pooled relay stays
// if it's a default or referenced by any non-terminal RelaySubState;
// otherwise it accrues idle time and is removed once it has been
// continuously unneeded for cfg.IdleGrace.
func (m *Manager) reapIdle(defaultRelays []relayspec.Spec) {
	needed := make(map[string]struct{})
	for _, d := range defaultRelays {
		needed[d.Canon()] = struct{}{}
	}
	m.byRemote.Range(func(_ string, state *submanstate.SubState) bool {
		if state.Remote == nil {
			return true
		}
		for url, rs := range state.Remote.Relays {
			if !rs.Terminal() {
				needed[url] = struct{}{}
			}
		}
		return true
	})

	toRemove := computeIdleEvictions(m.pool.URLs(), needed, m.idle, m.cfg.Clock(), m.cfg.IdleGrace)
	if len(toRemove) > 0 {
		m.pool.RemoveURLs(toRemove)
	}
}

// computeIdleEvictions is reapIdle's pool-free decision logic: given the
// pooled urls, which ones are still needed, the idle-since bookkeeping (kept
// and mutated in place), the current time, and the grace window, it returns
// the urls that have been continuously unneeded for at least grace and
// clears their idle bookkeeping.
func computeIdleEvictions(pooledURLs []string, needed map[string]struct{}, idle map[string]time.Time, now time.Time, grace time.Duration) []string {
	var toRemove []string
	for _, url := range pooledURLs {
		if _, ok := needed[url]; ok {
			delete(idle, url)
			continue
		}
		first, seen := idle[url]
		if !seen {
			idle[url] = now
			continue
		}
		if now.Sub(first) >= grace {
			toRemove = append(toRemove, url)
			delete(idle, url)
		}
	}
	return toRemove
}

func containsCanon(urls []string, canon string) bool {
	for _, u := range urls {
		if relayurl.Canon(u) == canon {
			return true
		}
	}
	return false
}
