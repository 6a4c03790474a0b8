// Package diff fingerprints item lists and classifies the changes between two of them.
package diff

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"

	"urlsentry/internal/model"
)

// Fingerprint returns a deterministic digest over the normalized item list.
// It is a change tripwire, not a cryptographic commitment.
func Fingerprint(items []model.Item) string {
	type entry struct {
		identity  string
		canonical []byte
	}
	entries := make([]entry, len(items))
	for i, it := range items {
		entries[i] = entry{identity: identityOf(it), canonical: model.Canonical(it)}
	}
	// Ties on identity are broken by content so duplicates cannot make the order matter.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].identity != entries[j].identity {
			return entries[i].identity < entries[j].identity
		}
		return bytes.Compare(entries[i].canonical, entries[j].canonical) < 0
	})

	var h uint32
	for _, e := range entries {
		h = rolling(h, []byte(e.identity))
		h = rolling(h, []byte{0})
		h = rolling(h, e.canonical)
		h = rolling(h, []byte{'\n'})
	}
	return fmt.Sprintf("%08x", h)
}

func rolling(h uint32, b []byte) uint32 {
	for _, c := range b {
		h = h*31 + uint32(c)
	}
	return h
}

// Diff classifies new against old. Items sharing an identity within one list collapse
// onto the last one seen.
func Diff(oldItems, newItems []model.Item) model.ChangeSet {
	oldByID, oldOrder := index(oldItems)
	newByID, newOrder := index(newItems)

	var cs model.ChangeSet
	for _, id := range newOrder {
		cur := newByID[id]
		prev, existed := oldByID[id]
		switch {
		case !existed:
			cs.Added = append(cs.Added, cur)
		case !Equal(prev, cur):
			cs.Modified = append(cs.Modified, cur)
		}
	}
	for _, id := range oldOrder {
		if _, still := newByID[id]; !still {
			cs.Removed = append(cs.Removed, oldByID[id])
		}
	}
	return cs
}

// Equal compares two items field for field, ignoring volatile keys
func Equal(a, b model.Item) bool {
	return bytes.Equal(model.Canonical(a), model.Canonical(b))
}

// index builds the identity map (last write wins) and the first-seen order of identities
func index(items []model.Item) (map[string]model.Item, []string) {
	byID := make(map[string]model.Item, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		id := identityOf(it)
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = it
	}
	return byID, order
}

func identityOf(it model.Item) string {
	if it.Identity != "" {
		return it.Identity
	}
	return model.DeriveIdentity(it)
}

// Validate is the fail-closed gate run before diffing. The first offending item fails the
// whole list. In strict mode duplicate identities are rejected as well.
func Validate(items []model.Item, strict bool) error {
	seen := make(map[string]int, len(items))
	for i, it := range items {
		id := identityOf(it)
		if !it.HasIdentityField() {
			return &model.ValidationError{Index: i, Reason: "no usable identity field (id, url, callback_name, title)"}
		}
		if it.URL != "" {
			if err := checkAbsoluteURL(it.URL); err != nil {
				return &model.ValidationError{Index: i, Identity: id, Reason: "url: " + err.Error()}
			}
		}
		if it.CallbackURL != "" {
			if err := checkAbsoluteURL(it.CallbackURL); err != nil {
				return &model.ValidationError{Index: i, Identity: id, Reason: "callback_url: " + err.Error()}
			}
		}
		if first, dup := seen[id]; dup && strict {
			return &model.ValidationError{
				Index:    i,
				Identity: id,
				Reason:   fmt.Sprintf("duplicate identity (first seen at index %d)", first),
			}
		}
		if _, dup := seen[id]; !dup {
			seen[id] = i
		}
	}
	return nil
}

func checkAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}

// Verify recomputes a stored snapshot's fingerprint and reports whether it still matches
func Verify(s model.Snapshot) bool {
	if s.Fingerprint == "" {
		return len(s.Items) == 0
	}
	return Fingerprint(s.Items) == s.Fingerprint
}

// Normalize recomputes identities, e.g. after loading items from storage
func Normalize(items []model.Item) []model.Item {
	out := make([]model.Item, len(items))
	for i, it := range items {
		out[i] = it.WithIdentity()
	}
	return out
}
