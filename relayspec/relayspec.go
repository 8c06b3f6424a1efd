// Package relayspec holds the NIP-65 relay marker type shared between the
// account data plane (relaylist) and the subscription manager (subman),
// which both need to talk about "the readable subset of these relays"
// without importing each other.
package relayspec

import "github.com/nostrclient/subman/relayurl"

// Spec is a canonicalized relay URL plus its NIP-65 read/write markers.
type Spec struct {
	URL      string
	Readable bool
	Writable bool
}

// Canon returns the canonical form of Spec's URL.
func (s Spec) Canon() string {
	return relayurl.Canon(s.URL)
}

// Filter selects which markers a caller is interested in.
type Filter int

const (
	All Filter = iota
	OnlyReadable
	OnlyWritable
)

func (f Filter) match(s Spec) bool {
	switch f {
	case OnlyReadable:
		return s.Readable
	case OnlyWritable:
		return s.Writable
	default:
		return true
	}
}

// URLs returns the canonical URLs of specs matching filter, in the order
// given (deduplication is the caller's responsibility, since sources differ
// in whether duplicates are meaningful).
func URLs(specs []Spec, filter Filter) []string {
	var out []string
	for _, s := range specs {
		if filter.match(s) {
			out = append(out, s.Canon())
		}
	}
	return out
}

// Readable returns the canonical URLs of every readable spec.
func Readable(specs []Spec) []string { return URLs(specs, OnlyReadable) }

// Writable returns the canonical URLs of every writable spec.
func Writable(specs []Spec) []string { return URLs(specs, OnlyWritable) }
