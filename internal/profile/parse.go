package profile

import (
	"errors"
	"strings"

	json "github.com/goccy/go-json"

	"nostr-threadfeed/internal/types"
)

var errNotObject = errors.New("metadata content is not a JSON object")

// Alternate field names seen in the wild, in precedence order.
// The first non-empty value wins.
var (
	nameFields        = []string{"name", "display_name", "displayName"}
	displayNameFields = []string{"display_name", "displayName"}
	pictureFields     = []string{"picture", "image", "avatar"}
)

// parseMetadata decodes kind-0 content into the profile fields it defines.
// Fields the content does not define are left empty so Merge keeps prior values.
func parseMetadata(content string) (types.ProfileRecord, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return types.ProfileRecord{}, err
	}
	if raw == nil {
		return types.ProfileRecord{}, errNotObject
	}

	return types.ProfileRecord{
		Name:        firstString(raw, nameFields...),
		DisplayName: firstString(raw, displayNameFields...),
		Picture:     firstString(raw, pictureFields...),
		About:       firstString(raw, "about"),
		Nip05:       firstString(raw, "nip05"),
	}, nil
}

func firstString(raw map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
