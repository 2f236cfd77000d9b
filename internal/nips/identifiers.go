// Package nips decodes NIP-19 identifiers into the raw hex values used in filters.
package nips

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalidIdentifier is returned for any reference that cannot be decoded
var ErrInvalidIdentifier = errors.New("invalid identifier")

// EventRef is a decoded note1/nevent1/hex event reference
type EventRef struct {
	EventID    string   // 32-byte event ID as hex
	Author     string   // Optional author pubkey as hex (nevent only)
	RelayHints []string // Optional relay URLs (nevent only)
}

// ProfileRef is a decoded npub1/nprofile1/hex author reference
type ProfileRef struct {
	Pubkey     string
	RelayHints []string
}

// DecodeEventRef decodes a note1..., nevent1... or 64-char hex reference.
// A leading "nostr:" URI scheme (NIP-21) is accepted.
func DecodeEventRef(ref string) (EventRef, error) {
	ref = trimReference(ref)
	if IsHex32(ref) {
		return EventRef{EventID: strings.ToLower(ref)}, nil
	}

	prefix, value, err := nip19.Decode(ref)
	if err != nil {
		return EventRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, shorten(ref), err)
	}

	switch prefix {
	case "note":
		id, ok := value.(string)
		if !ok || !IsHex32(id) {
			return EventRef{}, fmt.Errorf("%w: malformed note", ErrInvalidIdentifier)
		}
		return EventRef{EventID: id}, nil
	case "nevent":
		var ptr nostr.EventPointer
		switch v := value.(type) {
		case nostr.EventPointer:
			ptr = v
		case *nostr.EventPointer:
			ptr = *v
		default:
			return EventRef{}, fmt.Errorf("%w: malformed nevent", ErrInvalidIdentifier)
		}
		if !IsHex32(ptr.ID) {
			return EventRef{}, fmt.Errorf("%w: nevent missing event ID", ErrInvalidIdentifier)
		}
		return EventRef{EventID: ptr.ID, Author: ptr.Author, RelayHints: ptr.Relays}, nil
	default:
		return EventRef{}, fmt.Errorf("%w: expected note or nevent, got %s", ErrInvalidIdentifier, prefix)
	}
}

// DecodeProfileRef decodes an npub1..., nprofile1... or 64-char hex pubkey.
func DecodeProfileRef(ref string) (ProfileRef, error) {
	ref = trimReference(ref)
	if IsHex32(ref) {
		return ProfileRef{Pubkey: strings.ToLower(ref)}, nil
	}

	prefix, value, err := nip19.Decode(ref)
	if err != nil {
		return ProfileRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, shorten(ref), err)
	}

	switch prefix {
	case "npub":
		pk, ok := value.(string)
		if !ok || !IsHex32(pk) {
			return ProfileRef{}, fmt.Errorf("%w: malformed npub", ErrInvalidIdentifier)
		}
		return ProfileRef{Pubkey: pk}, nil
	case "nprofile":
		var ptr nostr.ProfilePointer
		switch v := value.(type) {
		case nostr.ProfilePointer:
			ptr = v
		case *nostr.ProfilePointer:
			ptr = *v
		default:
			return ProfileRef{}, fmt.Errorf("%w: malformed nprofile", ErrInvalidIdentifier)
		}
		if !IsHex32(ptr.PublicKey) {
			return ProfileRef{}, fmt.Errorf("%w: nprofile missing pubkey", ErrInvalidIdentifier)
		}
		return ProfileRef{Pubkey: ptr.PublicKey, RelayHints: ptr.Relays}, nil
	default:
		return ProfileRef{}, fmt.Errorf("%w: expected npub or nprofile, got %s", ErrInvalidIdentifier, prefix)
	}
}

// EncodePubkey encodes a hex pubkey to npub format
func EncodePubkey(hexPubkey string) (string, error) {
	if !IsHex32(hexPubkey) {
		return "", fmt.Errorf("%w: invalid pubkey length", ErrInvalidIdentifier)
	}
	return nip19.EncodePublicKey(hexPubkey)
}

// EncodeEventID encodes a hex event ID to note format
func EncodeEventID(hexEventID string) (string, error) {
	if !IsHex32(hexEventID) {
		return "", fmt.Errorf("%w: invalid event ID length", ErrInvalidIdentifier)
	}
	return nip19.EncodeNote(hexEventID)
}

// IsHex32 reports whether s is a 32-byte value in hex
func IsHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func trimReference(ref string) string {
	ref = strings.TrimSpace(ref)
	return strings.TrimPrefix(ref, "nostr:")
}

func shorten(s string) string {
	if len(s) > 16 {
		return s[:16] + "…"
	}
	return s
}
