package types

// Default event kinds used by the engine (NIP-01, NIP-02)
const (
	KindMetadata = 0
	KindTextNote = 1
	KindContacts = 3
)

// Kinds holds the event kinds the engine subscribes to.
// Components take a Kinds value instead of referring to the constants directly
// so deployments against non-standard relays can remap them in one place.
type Kinds struct {
	Metadata int `mapstructure:"metadata"`
	TextNote int `mapstructure:"text_note"`
	Contacts int `mapstructure:"contacts"`
}

// DefaultKinds returns the standard protocol kinds
func DefaultKinds() Kinds {
	return Kinds{
		Metadata: KindMetadata,
		TextNote: KindTextNote,
		Contacts: KindContacts,
	}
}
