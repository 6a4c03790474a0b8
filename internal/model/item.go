package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Keys recognised on a source item. Everything else is carried in Item.Extra.
const (
	KeyID           = "id"
	KeyURL          = "url"
	KeyCallbackName = "callback_name"
	KeyCallbackURL  = "callback_url"
	KeyTitle        = "title"

	keyCallbackNameAlt = "callbackName"
)

// VolatileKeys are stripped before hashing and comparing items
var VolatileKeys = []string{"created_at", "updated_at"}

// Item is one monitored entity from the source list.
// Identity is derived on decode; Extra holds unrecognised keys verbatim.
type Item struct {
	Identity     string                     `json:"-"`
	ID           string                     `json:"-"`
	URL          string                     `json:"-"`
	CallbackName string                     `json:"-"`
	CallbackURL  string                     `json:"-"`
	Title        string                     `json:"-"`
	Extra        map[string]json.RawMessage `json:"-"`

	rawID json.RawMessage
}

// UnmarshalJSON decodes a source object and derives its identity
func (it *Item) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return &FormatError{Reason: "item is not a JSON object"}
	}

	var decoded Item
	for key, raw := range fields {
		var err error
		switch key {
		case KeyID:
			err = decoded.decodeID(raw)
		case KeyURL:
			decoded.URL, err = decodeString(key, raw)
		case KeyCallbackName:
			decoded.CallbackName, err = decodeString(key, raw)
		case keyCallbackNameAlt:
			if _, dup := fields[KeyCallbackName]; dup {
				decoded.setExtra(key, raw)
				continue
			}
			decoded.CallbackName, err = decodeString(key, raw)
		case KeyCallbackURL:
			decoded.CallbackURL, err = decodeString(key, raw)
		case KeyTitle:
			decoded.Title, err = decodeString(key, raw)
		default:
			decoded.setExtra(key, raw)
		}
		if err != nil {
			return err
		}
	}
	decoded.Identity = DeriveIdentity(decoded)
	*it = decoded
	return nil
}

// MarshalJSON writes the item back in its source shape
func (it Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(it.fields(false))
}

func (it *Item) setExtra(key string, raw json.RawMessage) {
	if it.Extra == nil {
		it.Extra = make(map[string]json.RawMessage)
	}
	it.Extra[key] = append(json.RawMessage(nil), raw...)
}

func (it *Item) decodeID(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return &FormatError{Reason: "id: " + err.Error()}
		}
		it.ID = s
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return &FormatError{Reason: "id must be a string or a number"}
		}
		it.ID = n.String()
	}
	it.rawID = append(json.RawMessage(nil), trimmed...)
	return nil
}

func decodeString(key string, raw json.RawMessage) (string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &FormatError{Reason: key + " must be a string"}
	}
	return s, nil
}

// fields flattens the item into its key space. Volatile keys are dropped when stripVolatile is set.
func (it Item) fields(stripVolatile bool) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(it.Extra)+5)
	for k, v := range it.Extra {
		out[k] = v
	}
	if stripVolatile {
		for _, k := range VolatileKeys {
			delete(out, k)
		}
	}
	if len(it.rawID) > 0 {
		out[KeyID] = it.rawID
	} else if it.ID != "" {
		out[KeyID] = quote(it.ID)
	}
	setString(out, KeyURL, it.URL)
	setString(out, KeyCallbackName, it.CallbackName)
	setString(out, KeyCallbackURL, it.CallbackURL)
	setString(out, KeyTitle, it.Title)
	return out
}

func setString(out map[string]json.RawMessage, key, value string) {
	if value != "" {
		out[key] = quote(value)
	}
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// Canonical returns a deterministic encoding of the item with volatile keys removed.
// Object keys are sorted at every depth.
func Canonical(it Item) []byte {
	fields := it.fields(true)
	normalized := make(map[string]any, len(fields))
	for k, raw := range fields {
		normalized[k] = canonicalValue(raw)
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return nil
	}
	return b
}

func canonicalValue(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return v
}

// HasIdentityField reports whether any field usable for identity is present
func (it Item) HasIdentityField() bool {
	return it.ID != "" || it.URL != "" || it.CallbackName != "" || it.Title != ""
}

// DeriveIdentity builds the composite identity key: the id when present, otherwise the
// url/callback/title composite, otherwise a content hash.
func DeriveIdentity(it Item) string {
	if it.ID != "" {
		return "id:" + it.ID
	}
	var parts []string
	if it.URL != "" {
		parts = append(parts, "url:"+it.URL)
	}
	if it.CallbackName != "" {
		parts = append(parts, "cb:"+it.CallbackName)
	}
	if it.Title != "" {
		parts = append(parts, "title:"+it.Title)
	}
	if len(parts) > 0 {
		return strings.Join(parts, "|")
	}
	sum := sha256.Sum256(Canonical(it))
	return "hash:" + hex.EncodeToString(sum[:8])
}

// WithIdentity returns a copy of the item with its identity recomputed
func (it Item) WithIdentity() Item {
	it.Identity = DeriveIdentity(it)
	return it
}
