package types

import "time"

// ProfileRecord is the resolved display metadata (kind 0) for one author.
// Empty strings mean "not known yet"; see Merge for how partial records combine.
type ProfileRecord struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	About       string `json:"about,omitempty"`
	Nip05       string `json:"nip05,omitempty"`

	FetchedAt      time.Time `json:"fetched_at"`
	EventCreatedAt int64     `json:"event_created_at,omitempty"` // created_at of newest merged metadata event
	IsLoading      bool      `json:"-"`
}

// Resolved reports whether the record carries a usable name
func (p ProfileRecord) Resolved() bool {
	return p.Name != ""
}

// Merge overlays the non-empty fields of update onto p.
// A field that is already set is never cleared by an update that lacks it.
func (p ProfileRecord) Merge(update ProfileRecord) ProfileRecord {
	if update.Name != "" {
		p.Name = update.Name
	}
	if update.DisplayName != "" {
		p.DisplayName = update.DisplayName
	}
	if update.Picture != "" {
		p.Picture = update.Picture
	}
	if update.About != "" {
		p.About = update.About
	}
	if update.Nip05 != "" {
		p.Nip05 = update.Nip05
	}
	if update.EventCreatedAt > p.EventCreatedAt {
		p.EventCreatedAt = update.EventCreatedAt
	}
	if update.FetchedAt.After(p.FetchedAt) {
		p.FetchedAt = update.FetchedAt
	}
	return p
}

// Label returns the best human-readable name for display
func (p ProfileRecord) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Name != "" {
		return p.Name
	}
	if len(p.PubKey) > 12 {
		return p.PubKey[:12]
	}
	return p.PubKey
}
