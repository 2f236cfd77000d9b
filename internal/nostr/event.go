// Package nostr holds wire-level helpers used by the relay transport.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	json "github.com/goccy/go-json"

	"nostr-threadfeed/internal/types"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrIDMismatch     = errors.New("event id does not match content")
	ErrBadSignature   = errors.New("invalid event signature")
)

// DecodeEvent decodes the event object of an EVENT message and checks its shape
func DecodeEvent(raw []byte) (types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return types.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !isHex(evt.ID, 32) || !isHex(evt.PubKey, 32) {
		return types.Event{}, fmt.Errorf("%w: id and pubkey must be 32-byte hex", ErrMalformedEvent)
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	return evt, nil
}

// ComputeID returns the NIP-01 id: sha256 of [0,pubkey,created_at,kind,tags,content]
func ComputeID(evt types.Event) (string, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized, err := json.MarshalNoEscape([]interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that the id commits to the event body and that sig is a valid
// Schnorr signature of the id by pubkey
func Verify(evt types.Event) error {
	id, err := ComputeID(evt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if id != evt.ID {
		return ErrIDMismatch
	}

	if !isHex(evt.Sig, 64) {
		return ErrBadSignature
	}
	sigBytes, _ := hex.DecodeString(evt.Sig)
	pubKeyBytes, _ := hex.DecodeString(evt.PubKey)
	idBytes, _ := hex.DecodeString(evt.ID)

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !sig.Verify(idBytes, pubKey) {
		return ErrBadSignature
	}
	return nil
}

func isHex(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
