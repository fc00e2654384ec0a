// Package shadow implements the shadow document model: parsing,
// serialization, versioning, the recursive state merge, and the
// desired-vs-reported delta calculation.
package shadow

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Size limits for serialized shadow documents, in bytes.
const (
	// DefaultSizeLimit is the payload ceiling applied when the
	// configuration does not override it.
	DefaultSizeLimit = 8192
	// MaxSizeLimit is the hard ceiling; configuration values above it
	// are rejected.
	MaxSizeLimit = 30720
)

// ClassicShadowName is the shadow name of a thing's default shadow.
const ClassicShadowName = ""

// Key identifies one shadow: a thing name plus a shadow name. The
// classic shadow uses the empty shadow name.
type Key struct {
	ThingName  string
	ShadowName string
}

// NewKey builds a Key with both names NFC-normalized so that keys
// built from config, IPC requests, and MQTT topics compare equal.
func NewKey(thingName, shadowName string) Key {
	return Key{
		ThingName:  norm.NFC.String(thingName),
		ShadowName: norm.NFC.String(shadowName),
	}
}

// IsClassic reports whether the key names a thing's classic shadow.
func (k Key) IsClassic() bool {
	return k.ShadowName == ClassicShadowName
}

func (k Key) String() string {
	if k.IsClassic() {
		return k.ThingName
	}

	return k.ThingName + "/" + k.ShadowName
}

// State holds the three recognized sections of a shadow document.
// Absent sections are nil maps.
type State struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
	Delta    map[string]any `json:"delta,omitempty"`
}

// Metadata mirrors the state tree, with a {"timestamp": n} object at
// every leaf recording when that leaf was last touched.
type Metadata struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

// Document is a parsed shadow document. Version zero means the
// payload carried no version field.
type Document struct {
	State       State     `json:"state"`
	Metadata    *Metadata `json:"metadata,omitempty"`
	Version     int64     `json:"version,omitempty"`
	Timestamp   int64     `json:"timestamp,omitempty"`
	ClientToken string    `json:"clientToken,omitempty"`
}

// ParseDocument parses a serialized shadow document. It is strict
// about JSON well-formedness and the types of the recognized fields,
// and tolerant of unknown top-level keys (cloud responses carry
// fields this service does not track).
func ParseDocument(b []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("shadow: parsing document: %w", err)
	}

	if d.Version < 0 {
		return nil, fmt.Errorf("shadow: parsing document: negative version %d", d.Version)
	}

	return &d, nil
}

// Bytes serializes the document. Serialization is the inverse of
// ParseDocument up to key ordering.
func (d *Document) Bytes() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("shadow: serializing document: %w", err)
	}

	return b, nil
}

// Clone returns a deep copy. The engine mutates documents while
// merging; callers that retain the original need a copy.
func (d *Document) Clone() *Document {
	b, err := json.Marshal(d)
	if err != nil {
		// Document trees come from json.Unmarshal, so they are always
		// marshalable; a failure here is a programming error.
		panic(fmt.Sprintf("shadow: cloning document: %v", err))
	}

	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("shadow: cloning document: %v", err))
	}

	return &out
}

// Equal reports structural equality of the state sections, ignoring
// metadata, version, and timestamp. Used by reconciliation to decide
// whether either side changed since the last sync.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}

	return deepEqual(d.State.Desired, other.State.Desired) &&
		deepEqual(d.State.Reported, other.State.Reported)
}

// CheckSize validates a serialized payload against the configured
// size limit.
func CheckSize(payload []byte, limit int) error {
	if limit <= 0 || limit > MaxSizeLimit {
		limit = DefaultSizeLimit
	}

	if len(payload) > limit {
		return fmt.Errorf("shadow: %w: %d bytes exceeds limit %d",
			ErrPayloadTooLarge, len(payload), limit)
	}

	return nil
}
