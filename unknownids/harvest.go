package unknownids

import (
	"regexp"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// mentionRe finds bech32 NIP-19 entity references embedded in note content
// as nostr: URIs.
var mentionRe = regexp.MustCompile(`nostr:(npub1\w+|nprofile1\w+|note1\w+|nevent1\w+)`)

// lookup is the narrow slice of localstore.Store Harvest needs: whether an
// id has already been seen. Any localstore.Store satisfies it.
type lookup interface {
	GetProfileByPubkey(pubkey string) (*nostr.Event, bool)
	HasEvent(id string) bool
}

// Harvest walks evt the way spec §4.4 describes: the author pubkey, the
// reply-root/reply-parent ids (if evt is a reply), and every NIP-19 mention
// block in the content, adding whichever of those the store has not yet
// seen to bag, together with any relay hint carried by the reference.
func Harvest(store lookup, bag *Bag, evt *nostr.Event) {
	if _, ok := store.GetProfileByPubkey(evt.PubKey); !ok {
		bag.Add(ID{Kind: PubkeyID, Value: evt.PubKey}, "")
	}

	if root, parent, ok := replyPointers(evt); ok {
		addEventPointer(store, bag, root)
		addEventPointer(store, bag, parent)
	}

	for _, match := range mentionRe.FindAllStringSubmatch(evt.Content, -1) {
		addMention(store, bag, match[1])
	}
}

func addMention(store lookup, bag *Bag, bech32 string) {
	prefix, data, err := nip19.Decode(bech32)
	if err != nil {
		return
	}
	switch prefix {
	case "npub":
		pk, _ := data.(string)
		if pk != "" {
			if _, ok := store.GetProfileByPubkey(pk); !ok {
				bag.Add(ID{Kind: PubkeyID, Value: pk}, "")
			}
		}
	case "nprofile":
		pp, _ := data.(nostr.ProfilePointer)
		if pp.PublicKey != "" {
			if _, ok := store.GetProfileByPubkey(pp.PublicKey); !ok {
				bag.Add(ID{Kind: PubkeyID, Value: pp.PublicKey}, firstRelay(pp.Relays))
			}
		}
	case "note":
		id, _ := data.(string)
		if id != "" && !store.HasEvent(id) {
			bag.Add(ID{Kind: NoteID, Value: id}, "")
		}
	case "nevent":
		ep, _ := data.(nostr.EventPointer)
		if ep.ID != "" && !store.HasEvent(ep.ID) {
			bag.Add(ID{Kind: NoteID, Value: ep.ID}, firstRelay(ep.Relays))
		}
	}
}

func addEventPointer(store lookup, bag *Bag, p nostr.EventPointer) {
	if p.ID == "" || store.HasEvent(p.ID) {
		return
	}
	bag.Add(ID{Kind: NoteID, Value: p.ID}, firstRelay(p.Relays))
}

// replyPointers implements NIP-10: prefer explicit root/reply markers, fall
// back to the deprecated positional scheme (first e tag is root, last is
// the immediate parent) when no tag carries a marker.
func replyPointers(evt *nostr.Event) (root, parent nostr.EventPointer, ok bool) {
	var eTags []nostr.Tag
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			eTags = append(eTags, tag)
		}
	}
	if len(eTags) == 0 {
		return root, parent, false
	}

	marked := false
	for _, tag := range eTags {
		if len(tag) < 4 {
			continue
		}
		switch tag[3] {
		case "root":
			root = eventPointerFromTag(tag)
			marked = true
		case "reply":
			parent = eventPointerFromTag(tag)
			marked = true
		}
	}
	if marked {
		if parent.ID == "" {
			parent = root
		}
		return root, parent, true
	}

	root = eventPointerFromTag(eTags[0])
	parent = eventPointerFromTag(eTags[len(eTags)-1])
	return root, parent, true
}

func eventPointerFromTag(tag nostr.Tag) nostr.EventPointer {
	p := nostr.EventPointer{ID: tag[1]}
	if len(tag) >= 3 && tag[2] != "" {
		p.Relays = []string{tag[2]}
	}
	return p
}

func firstRelay(relays []string) string {
	if len(relays) == 0 {
		return ""
	}
	return relays[0]
}
