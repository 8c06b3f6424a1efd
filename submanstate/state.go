// Package submanstate holds the per-subscription record types subman.Manager
// indexes: RelaySubState, RemoteSubState, LocalSubState and the SubState
// that ties a SubSpec to its optional local and remote halves.
package submanstate

import (
	"sync"

	"github.com/nostrclient/subman/localstore"
	"github.com/nostrclient/subman/subspec"
)

// RelayStateKind is one of the five states a single (request, relay)
// subscription can be in.
type RelayStateKind int

const (
	Pending RelayStateKind = iota
	Syncing
	Current
	ErrorState
	Closed
)

func (k RelayStateKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Syncing:
		return "syncing"
	case Current:
		return "current"
	case ErrorState:
		return "error"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// RelaySubState tracks one remote subscription's lifecycle against one
// relay. Err is only meaningful when Kind == ErrorState.
type RelaySubState struct {
	Kind RelayStateKind
	Err  string
}

// Terminal reports whether the state can no longer transition (it is
// neither awaiting a connection nor actively syncing/current).
func (s RelaySubState) Terminal() bool {
	return s.Kind == ErrorState || s.Kind == Closed
}

// NewPending returns the initial state for a relay whose socket is not open
// yet.
func NewPending() RelaySubState { return RelaySubState{Kind: Pending} }

// NewSyncing returns the state after a REQ has been sent.
func NewSyncing() RelaySubState { return RelaySubState{Kind: Syncing} }

// NewError returns a terminal error state carrying msg.
func NewError(msg string) RelaySubState { return RelaySubState{Kind: ErrorState, Err: msg} }

// RemoteSubState is the aggregate state for one logical subscription across
// all the relays it was opened on.
type RemoteSubState struct {
	RemoteID string
	Relays   map[string]RelaySubState // canonical relay url -> state

	endOnce sync.Once
	end     chan struct{}
}

// NewRemoteSubState returns an empty RemoteSubState for remoteID.
func NewRemoteSubState(remoteID string) *RemoteSubState {
	return &RemoteSubState{
		RemoteID: remoteID,
		Relays:   make(map[string]RelaySubState),
		end:      make(chan struct{}),
	}
}

// EndChan returns the one-slot end-signal channel; it closes exactly once,
// the first time Fire is called.
func (r *RemoteSubState) EndChan() <-chan struct{} {
	return r.end
}

// Fire delivers the end-signal. Safe to call more than once; only the first
// call has an effect, satisfying "fires at most once per subscription".
func (r *RemoteSubState) Fire() {
	r.endOnce.Do(func() {
		close(r.end)
	})
}

// LocalSubState is a live query against the local store plus its lazy
// note-key sequence.
type LocalSubState struct {
	ID   localstore.LocalID
	Keys <-chan []localstore.NoteKey
}

// SubState is the shared record subman.Manager indexes under LocalID and/or
// RemoteID, per invariant 1: present under LocalID iff Local != nil, present
// under RemoteID iff Remote != nil.
type SubState struct {
	Spec   subspec.SubSpec
	Local  *LocalSubState
	Remote *RemoteSubState
}
