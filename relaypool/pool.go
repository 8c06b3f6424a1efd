// Package relaypool manages the pool of remote relay connections SubMan
// drives. It is a generalization of the teacher's protocol.SimplePool: the
// teacher tracked at most one subscription per relay URL; this spec requires
// independent subscriptions per (RemoteID, relay) (invariant 2), so each
// pooled relay keeps its own remote-id-keyed subscription map instead of one
// slot.
package relaypool

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrclient/subman/relayurl"
)

const dialTimeout = 15 * time.Second

// FrameKind is the outer kind of event Pool reports on its Events channel.
type FrameKind int

const (
	FrameOpened FrameKind = iota
	FrameClosed
	FrameError
	FrameMessage
)

// MessageKind further classifies a FrameMessage.
type MessageKind int

const (
	MsgEvent MessageKind = iota
	MsgNotice
	MsgOK
	MsgEOSE
)

// Frame is one relay-socket-level or relay-protocol-level occurrence. SubID
// is the RemoteID the frame concerns, for MsgEvent/MsgEOSE frames.
type Frame struct {
	Kind      FrameKind
	URL       string
	Err       error
	Msg       MessageKind
	SubID     string
	Event     *nostr.Event
	Notice    string
	Multicast bool
}

type relayEntry struct {
	url        string
	nostrRelay *nostr.Relay
	multicast  bool
	subs       *xsync.MapOf[string, *nostr.Subscription]
	cancels    *xsync.MapOf[string, context.CancelFunc]
}

// Pool owns every connected *nostr.Relay and the subscriptions opened
// against them. All sends serialize through it; reads are safe for
// concurrent use by the background harvest loops described in spec §5, but
// the authoritative drain of Events() happens only from subman.Manager's
// single event-loop step.
type Pool struct {
	ctx        context.Context
	relays     *xsync.MapOf[string, *relayEntry]
	connecting *xsync.MapOf[string, struct{}]
	events     chan Frame
}

// New returns an empty Pool bound to ctx; canceling ctx tears down every
// relay connection the pool ever opens.
func New(ctx context.Context) *Pool {
	return &Pool{
		ctx:        ctx,
		relays:     xsync.NewMapOf[string, *relayEntry](),
		connecting: xsync.NewMapOf[string, struct{}](),
		events:     make(chan Frame, 256),
	}
}

// Connected reports whether url already has a live connection in the pool.
// Cheap map lookup: safe to call from the single event-loop step before
// deciding whether a dial would block.
func (p *Pool) Connected(url string) bool {
	canon := relayurl.Canon(url)
	entry, ok := p.relays.Load(canon)
	return ok && entry.nostrRelay.IsConnected()
}

// EnsureRelayAsync kicks off a dial to url in the background and returns
// immediately, for call sites (subman.Manager's event-loop step) that must
// never block on EnsureRelay's up-to-dialTimeout round trip. A dial already
// in flight for url is not duplicated. Success is reported the same way a
// synchronous EnsureRelay reports it, via a FrameOpened frame; failure is
// reported as a FrameError carrying no SubID, which subman.Manager's
// FrameError handling fans out to every RelaySubState still pending on that
// URL, so a failed dial can't leave a subscription stuck in Pending forever.
func (p *Pool) EnsureRelayAsync(url string) {
	canon := relayurl.Canon(url)
	if p.Connected(canon) {
		return
	}
	if _, already := p.connecting.LoadOrStore(canon, struct{}{}); already {
		return
	}
	go func() {
		defer p.connecting.Delete(canon)
		if _, err := p.EnsureRelay(p.ctx, canon); err != nil {
			p.emit(Frame{Kind: FrameError, URL: canon, Err: err})
		}
	}()
}

// Events returns the channel subman.Manager drains non-blockingly each
// ProcessRelays step.
func (p *Pool) Events() <-chan Frame {
	return p.events
}

func (p *Pool) emit(f Frame) {
	select {
	case p.events <- f:
	case <-p.ctx.Done():
	}
}

// EnsureRelay connects to url if not already connected, or returns the
// existing connection. Mirrors the teacher's EnsureRelay: reuse when
// connected, otherwise dial with a bounded timeout rooted in the pool's
// context so a pool shutdown tears down in-flight dials too.
func (p *Pool) EnsureRelay(ctx context.Context, url string) (*nostr.Relay, error) {
	canon := relayurl.Canon(url)
	if entry, ok := p.relays.Load(canon); ok && entry.nostrRelay.IsConnected() {
		return entry.nostrRelay, nil
	}

	dialCtx, cancel := context.WithTimeout(p.ctx, dialTimeout)
	defer cancel()
	nr, err := nostr.RelayConnect(dialCtx, canon)
	if err != nil {
		return nil, fmt.Errorf("relaypool: failed to connect to %s: %w", canon, err)
	}

	entry := &relayEntry{
		url:        canon,
		nostrRelay: nr,
		subs:       xsync.NewMapOf[string, *nostr.Subscription](),
		cancels:    xsync.NewMapOf[string, context.CancelFunc](),
	}
	p.relays.Store(canon, entry)
	p.emit(Frame{Kind: FrameOpened, URL: canon})
	return nr, nil
}

// SetMulticast marks url as a multicast relay, so events received on it are
// routed through the client-event ingestion path rather than the normal one.
// This is a property of the relay object (spec §9 open question) and must
// be set before Send is first called for that url.
func (p *Pool) SetMulticast(url string, multicast bool) {
	canon := relayurl.Canon(url)
	if entry, ok := p.relays.Load(canon); ok {
		entry.multicast = multicast
	}
}

// Send issues a REQ for remoteID against url. If a subscription already
// exists for (remoteID, url), Send is a no-op: invariant 2 guarantees at
// most one outstanding req per (RemoteID, relay).
func (p *Pool) Send(ctx context.Context, url, remoteID string, filters nostr.Filters) error {
	canon := relayurl.Canon(url)
	entry, ok := p.relays.Load(canon)
	if !ok {
		if _, err := p.EnsureRelay(ctx, canon); err != nil {
			return err
		}
		entry, _ = p.relays.Load(canon)
	}
	if _, exists := entry.subs.Load(remoteID); exists {
		return nil
	}

	subCtx, cancel := context.WithCancel(p.ctx)
	sub, err := entry.nostrRelay.Subscribe(subCtx, filters, nostr.WithLabel(remoteID))
	if err != nil {
		cancel()
		return fmt.Errorf("relaypool: failed to subscribe to %s: %w", canon, err)
	}
	entry.subs.Store(remoteID, sub)
	entry.cancels.Store(remoteID, cancel)
	go p.pump(entry, remoteID, sub)
	return nil
}

// pump forwards one subscription's frames into the shared events channel
// until the subscription is closed. Structurally this is the teacher's
// EventSigner.DecryptAndWrite select-loop shape: race several channels,
// react to whichever fires, return when the source is spent.
func (p *Pool) pump(entry *relayEntry, remoteID string, sub *nostr.Subscription) {
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			p.emit(Frame{
				Kind: FrameMessage, URL: entry.url, Msg: MsgEvent,
				SubID: remoteID, Event: evt, Multicast: entry.multicast,
			})
		case <-sub.EndOfStoredEvents:
			p.emit(Frame{Kind: FrameMessage, URL: entry.url, Msg: MsgEOSE, SubID: remoteID})
		case reason, ok := <-sub.ClosedReason:
			if !ok {
				return
			}
			p.emit(Frame{Kind: FrameMessage, URL: entry.url, Msg: MsgNotice, SubID: remoteID, Notice: reason})
			return
		case <-p.ctx.Done():
			return
		}
	}
}

// Close issues a best-effort CLOSE for (remoteID, url). Failures are logged
// by the caller (subman.Manager), not here: CLOSE failures are always
// ignored per spec §7.
func (p *Pool) Close(url, remoteID string) error {
	canon := relayurl.Canon(url)
	entry, ok := p.relays.Load(canon)
	if !ok {
		return fmt.Errorf("relaypool: relay %s not in pool", canon)
	}
	sub, ok := entry.subs.LoadAndDelete(remoteID)
	if !ok {
		return nil
	}
	sub.Unsub()
	if cancel, ok := entry.cancels.LoadAndDelete(remoteID); ok {
		cancel()
	}
	return nil
}

// KeepAlive sweeps every pooled relay and reports any that dropped their
// connection as a FrameError, so subman.Manager can transition the affected
// RelaySubStates.
func (p *Pool) KeepAlive() {
	p.relays.Range(func(url string, entry *relayEntry) bool {
		if !entry.nostrRelay.IsConnected() {
			p.emit(Frame{Kind: FrameError, URL: url, Err: fmt.Errorf("relaypool: connection to %s lost", url)})
		}
		return true
	})
}

// URLs returns the canonical URLs currently in the pool.
func (p *Pool) URLs() []string {
	var out []string
	p.relays.Range(func(url string, _ *relayEntry) bool {
		out = append(out, url)
		return true
	})
	return out
}

// RemoveURLs closes and evicts every relay named, along with any
// subscriptions still open against them. This is the idle reaper's eviction
// hook.
func (p *Pool) RemoveURLs(urls []string) {
	for _, u := range urls {
		canon := relayurl.Canon(u)
		entry, ok := p.relays.LoadAndDelete(canon)
		if !ok {
			continue
		}
		entry.subs.Range(func(_ string, sub *nostr.Subscription) bool {
			sub.Unsub()
			return true
		})
		entry.nostrRelay.Close()
		p.emit(Frame{Kind: FrameClosed, URL: canon})
	}
}
