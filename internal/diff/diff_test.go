package diff

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urlsentry/internal/model"
)

func items(t *testing.T, raw string) []model.Item {
	t.Helper()
	var out []model.Item
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func identities(list []model.Item) []string {
	out := make([]string, len(list))
	for i, it := range list {
		out[i] = it.Identity
	}
	return out
}

func TestFingerprint_PermutationInvariant(t *testing.T) {
	t.Parallel()

	list := items(t, `[
		{"id":1,"url":"https://a.test"},
		{"id":2,"url":"https://b.test","tags":["x","y"]},
		{"url":"https://c.test","callback_name":"one"},
		{"url":"https://c.test","callback_name":"two"},
		{"title":"dup"},
		{"title":"dup","note":"second copy"}
	]`)
	want := Fingerprint(list)
	require.Len(t, want, 8)

	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 25; i++ {
		shuffled := append([]model.Item(nil), list...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Fingerprint(shuffled))
	}
}

func TestFingerprint_IgnoresVolatileFields(t *testing.T) {
	t.Parallel()

	a := items(t, `[{"id":1,"url":"https://a.test","updated_at":"2024-01-01T00:00:00Z"}]`)
	b := items(t, `[{"id":1,"url":"https://a.test","updated_at":"2025-06-01T00:00:00Z","created_at":"x"}]`)
	c := items(t, `[{"id":1,"url":"https://a-new.test"}]`)

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Equal(t, Fingerprint(nil), Fingerprint([]model.Item{}))
}

func TestDiff_ScenarioA_Added(t *testing.T) {
	t.Parallel()

	old := items(t, `[{"id":1,"url":"https://a.test"}]`)
	cur := items(t, `[{"id":1,"url":"https://a.test"},{"id":2,"url":"https://b.test"}]`)

	cs := Diff(old, cur)
	assert.Equal(t, []string{"id:2"}, identities(cs.Added))
	assert.Empty(t, cs.Removed)
	assert.Empty(t, cs.Modified)
}

func TestDiff_ScenarioB_Modified(t *testing.T) {
	t.Parallel()

	old := items(t, `[{"id":1,"url":"https://a.test"}]`)
	cur := items(t, `[{"id":1,"url":"https://a-new.test"}]`)

	cs := Diff(old, cur)
	assert.Empty(t, cs.Added)
	assert.Empty(t, cs.Removed)
	require.Len(t, cs.Modified, 1)
	assert.Equal(t, "https://a-new.test", cs.Modified[0].URL)
}

func TestDiff_Removed(t *testing.T) {
	t.Parallel()

	old := items(t, `[{"id":1},{"id":2},{"id":3}]`)
	cur := items(t, `[{"id":2}]`)

	cs := Diff(old, cur)
	assert.Equal(t, []string{"id:1", "id:3"}, identities(cs.Removed))
	assert.Empty(t, cs.Added)
	assert.Empty(t, cs.Modified)
}

func TestDiff_VolatileChangeIsNotModification(t *testing.T) {
	t.Parallel()

	old := items(t, `[{"id":1,"updated_at":"a"}]`)
	cur := items(t, `[{"id":1,"updated_at":"b"}]`)

	assert.True(t, Diff(old, cur).Empty())
}

func TestDiff_DuplicateIdentityLastWriteWins(t *testing.T) {
	t.Parallel()

	old := items(t, `[{"id":1,"url":"https://a.test"}]`)
	cur := items(t, `[{"id":1,"url":"https://a.test"},{"id":1,"url":"https://z.test"}]`)

	cs := Diff(old, cur)
	require.Len(t, cs.Modified, 1)
	assert.Equal(t, "https://z.test", cs.Modified[0].URL)
}

func TestDiff_Completeness(t *testing.T) {
	t.Parallel()

	old := items(t, `[{"id":1},{"id":2,"v":1},{"id":3},{"url":"https://x.test"}]`)
	cur := items(t, `[{"id":2,"v":2},{"id":3},{"id":4},{"url":"https://x.test"}]`)

	cs := Diff(old, cur)
	oldIdx, _ := index(old)
	newIdx, _ := index(cur)

	classified := map[string]int{}
	for _, it := range cs.Added {
		classified[it.Identity]++
		assert.NotContains(t, oldIdx, it.Identity)
	}
	for _, it := range cs.Modified {
		classified[it.Identity]++
		assert.Contains(t, oldIdx, it.Identity)
	}
	for id := range newIdx {
		if _, inOld := oldIdx[id]; inOld && Equal(oldIdx[id], newIdx[id]) {
			classified[id]++
		}
	}
	for id := range newIdx {
		assert.Equal(t, 1, classified[id], "entity %s must be classified exactly once", id)
	}
	assert.Equal(t, []string{"id:1"}, identities(cs.Removed))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		strict  bool
		wantErr bool
		index   int
	}{
		{
			name:  "valid list",
			input: `[{"id":1,"url":"https://a.test"},{"title":"no url is fine"}]`,
		},
		{
			name:    "item without identity fields",
			input:   `[{"id":1},{"extra":"only"}]`,
			wantErr: true,
			index:   1,
		},
		{
			name:    "relative url",
			input:   `[{"id":1,"url":"/health"}]`,
			wantErr: true,
		},
		{
			name:    "malformed callback url",
			input:   `[{"id":1,"callback_url":"http://[::1"}]`,
			wantErr: true,
		},
		{
			name:  "duplicates accepted in flexible mode",
			input: `[{"url":"https://a.test"},{"url":"https://a.test"}]`,
		},
		{
			name:    "duplicates rejected in strict mode",
			input:   `[{"id":1},{"id":2},{"id":1}]`,
			strict:  true,
			wantErr: true,
			index:   2,
		},
		{
			name:   "same url different callback is not a duplicate",
			input:  `[{"url":"https://a.test","callback_name":"a"},{"url":"https://a.test","callback_name":"b"}]`,
			strict: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(items(t, tt.input), tt.strict)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var validationErr *model.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.index, validationErr.Index)
		})
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	list := items(t, `[{"id":1,"url":"https://a.test"}]`)
	snap := model.Snapshot{Items: list, Fingerprint: Fingerprint(list)}
	assert.True(t, Verify(snap))

	snap.Fingerprint = "deadbeef"
	assert.False(t, Verify(snap))
	assert.True(t, Verify(model.Snapshot{}))
}
