// Package subspec describes a requested subscription: an ordered list of
// filters, the local/remote mode constraints, and the relay-set hints that
// govern how subman.Manager will satisfy it.
//
// The builder shape mirrors the teacher's protocol.Message /
// protocol.MessageOption pattern (an accumulator plus a terminal Build/
// NewMessage call) generalized from one-shot functional options into a
// stateful builder, since filters and constraints are appended across
// multiple calls before the spec is frozen.
package subspec

import (
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrclient/subman/relayurl"
)

// Constraint is one of the three boolean modes a SubSpec can carry.
type Constraint int

const (
	OneShot Constraint = iota
	OnlyLocal
	OnlyRemote
)

// SubSpec is an immutable description of a requested subscription.
type SubSpec struct {
	Filters       nostr.Filters
	RemoteID      string
	IsOneshot     bool
	IsOnlyLocal   bool
	IsOnlyRemote  bool
	OutboxRelays  []string
	AllowedRelays []string
	BlockedRelays []string
}

// Degenerate reports whether the spec asked for both only-local and
// only-remote, which leaves it with neither a local nor a remote part.
// subman.Manager.Subscribe must reject a degenerate spec as an internal
// error rather than silently building nothing.
func (s SubSpec) Degenerate() bool {
	return s.IsOnlyLocal && s.IsOnlyRemote
}

// Builder accumulates filters and constraints before Build freezes them
// into a SubSpec.
type Builder struct {
	remoteID   string
	filters    nostr.Filters
	oneshot    bool
	onlyLocal  bool
	onlyRemote bool
	outbox     []string
	allowed    []string
	blocked    []string
}

// NewBuilder returns an empty SubSpecBuilder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithRemoteID sets an explicit wire subscription id. If never called,
// Build generates a fresh random one.
func (b *Builder) WithRemoteID(id string) *Builder {
	b.remoteID = id
	return b
}

// AppendFilter appends one filter to the spec's ordered filter list.
func (b *Builder) AppendFilter(f nostr.Filter) *Builder {
	b.filters = append(b.filters, f)
	return b
}

// AppendConstraint sets one of the three boolean mode flags.
func (b *Builder) AppendConstraint(c Constraint) *Builder {
	switch c {
	case OneShot:
		b.oneshot = true
	case OnlyLocal:
		b.onlyLocal = true
	case OnlyRemote:
		b.onlyRemote = true
	}
	return b
}

// AllowRelays restricts the remote relay set to exactly these (canonicalized)
// URLs, overriding the default relay set.
func (b *Builder) AllowRelays(urls ...string) *Builder {
	b.allowed = append(b.allowed, canonAll(urls)...)
	return b
}

// BlockRelays vetoes these (canonicalized) URLs after relay selection.
func (b *Builder) BlockRelays(urls ...string) *Builder {
	b.blocked = append(b.blocked, canonAll(urls)...)
	return b
}

// OutboxRelays records advisory outbox relay hints for this spec.
func (b *Builder) OutboxRelays(urls ...string) *Builder {
	b.outbox = append(b.outbox, canonAll(urls)...)
	return b
}

// Build freezes the accumulated filters and constraints into a SubSpec,
// generating a random remote id if none was set.
func (b *Builder) Build() SubSpec {
	remoteID := b.remoteID
	if remoteID == "" {
		remoteID = uuid.NewString()
	}
	return SubSpec{
		Filters:       b.filters,
		RemoteID:      remoteID,
		IsOneshot:     b.oneshot,
		IsOnlyLocal:   b.onlyLocal,
		IsOnlyRemote:  b.onlyRemote,
		OutboxRelays:  b.outbox,
		AllowedRelays: b.allowed,
		BlockedRelays: b.blocked,
	}
}

func canonAll(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = relayurl.Canon(u)
	}
	return out
}
