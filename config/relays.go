package config

// DefaultBootstrapRelays seeds Accounts.bootstrap when no relays are
// configured, the fallback set get_combined_relays falls back to.
var DefaultBootstrapRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}
