// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	ETags   []string // #e tag filter (referenced events)
	PTags   []string // #p tag filter (mentions)
}

// REQ builds the filter object sent in a REQ message.
// Empty fields are omitted so relays don't treat them as "match nothing".
func (f Filter) REQ() map[string]interface{} {
	req := make(map[string]interface{})
	if len(f.IDs) > 0 {
		req["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		req["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		req["kinds"] = f.Kinds
	}
	if len(f.ETags) > 0 {
		req["#e"] = f.ETags
	}
	if len(f.PTags) > 0 {
		req["#p"] = f.PTags
	}
	if f.Limit > 0 {
		req["limit"] = f.Limit
	}
	if f.Since != nil {
		req["since"] = *f.Since
	}
	if f.Until != nil {
		req["until"] = *f.Until
	}
	return req
}

// Matches reports whether an event satisfies the filter.
// Relays are expected to filter server-side; this guards against relays that don't.
func (f Filter) Matches(evt Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if len(f.ETags) > 0 && !hasTagValue(evt.Tags, "e", f.ETags) {
		return false
	}
	if len(f.PTags) > 0 && !hasTagValue(evt.Tags, "p", f.PTags) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

func hasTagValue(tags [][]string, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

// NostrMessage represents a raw Nostr protocol message
type NostrMessage []interface{}
