package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"nostr-threadfeed/internal/nips"
	"nostr-threadfeed/internal/thread"
	"nostr-threadfeed/internal/types"
	"nostr-threadfeed/internal/util"
)

// printer serialises output from the feed and resolver callbacks
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	enc    *json.Encoder
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format, enc: json.NewEncoder(w)}
}

type messageLine struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	Author    string `json:"author"`
	CreatedAt int64  `json:"created_at"`
	Content   string `json:"content"`
}

type profileLine struct {
	Type string `json:"type"`
	types.ProfileRecord
	Npub string `json:"npub,omitempty"`
}

type statusLine struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func (p *printer) message(m thread.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "json" {
		p.enc.Encode(messageLine{
			Type:      "message",
			ID:        m.Event.ID,
			PubKey:    m.Event.PubKey,
			Author:    m.Author.Label(),
			CreatedAt: m.Event.CreatedAt,
			Content:   m.Event.Content,
		})
		return
	}
	ts := time.Unix(m.Event.CreatedAt, 0).Format("2006-01-02 15:04")
	content := util.TruncateStringRunes(strings.ReplaceAll(m.Event.Content, "\n", " "), 200)
	fmt.Fprintf(p.w, "[%s] %s: %s\n", ts, m.Author.Label(), content)
}

func (p *printer) profile(rec types.ProfileRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	npub, _ := nips.EncodePubkey(rec.PubKey)
	if p.format == "json" {
		p.enc.Encode(profileLine{Type: "profile", ProfileRecord: rec, Npub: npub})
		return
	}
	if !rec.Resolved() {
		fmt.Fprintf(p.w, "%s (unresolved)\n", npub)
		return
	}
	fmt.Fprintf(p.w, "%s %s", npub, rec.Label())
	if rec.Name != "" && rec.Name != rec.Label() {
		fmt.Fprintf(p.w, " (@%s)", rec.Name)
	}
	if rec.Nip05 != "" {
		fmt.Fprintf(p.w, " <%s>", rec.Nip05)
	}
	fmt.Fprintln(p.w)
}

func (p *printer) status(status string, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "json" {
		p.enc.Encode(statusLine{Type: "status", Status: status, Count: count})
		return
	}
	fmt.Fprintf(p.w, "-- %s\n", status)
}
