package tabs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/db"
)

func newTestManager(t *testing.T) (*Manager, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "tabs.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, zap.NewNop()), store
}

func TestIDDecodesNumbersAndStrings(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":42,"b":"t1","c":null}`), &v))
	assert.Equal(t, ID("42"), v.A)
	assert.Equal(t, ID("t1"), v.B)
	assert.Equal(t, ID(""), v.C)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":42,"b":"t1","c":""}`, string(out))
}

func TestIDEncodesNonCanonicalIntegersAsStrings(t *testing.T) {
	snap := Snapshot{
		Tabs: []Tab{
			{ID: "01", WindowID: "+5", URL: "https://a.test"},
			{ID: "7", WindowID: "-0", URL: "https://b.test", Position: 1},
		},
		ActiveTabID: "01",
	}
	out, err := json.Marshal(snap)
	require.NoError(t, err)
	require.True(t, json.Valid(out), string(out))

	var back Snapshot
	require.NoError(t, json.Unmarshal(out, &back))
	if diff := cmp.Diff(snap, back); diff != "" {
		t.Errorf("snapshot round trip mismatch (-want +got):\n%s", diff)
	}

	raw, err := json.Marshal(ID("7"))
	require.NoError(t, err)
	assert.Equal(t, "7", string(raw))
}

func TestUpdateTabsReplacesSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first := []Tab{
		{ID: "1", URL: "https://a.test", Title: "A", WindowID: "9", Position: 0, Status: StatusComplete},
		{ID: "2", URL: "", Title: "blank", WindowID: "9", Position: 1, Status: "unloaded"},
	}
	require.NoError(t, m.UpdateTabs(ctx, first, "2"))

	snap := m.GetTabs()
	require.Len(t, snap.Tabs, 2)
	assert.Equal(t, ID("2"), snap.ActiveTabID)
	assert.Equal(t, "about:blank", snap.Tabs[1].URL)
	assert.Equal(t, StatusComplete, snap.Tabs[1].Status)
	assert.True(t, snap.Tabs[1].Active)
	assert.False(t, snap.Tabs[0].Active)

	require.NoError(t, m.UpdateTabs(ctx, []Tab{{ID: "3", URL: "https://c.test", WindowID: "9", Active: true}}, ""))

	// a fresh manager sees what was persisted
	reloaded := NewManager(m.store, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	want := Snapshot{
		Tabs:        []Tab{{ID: "3", URL: "https://c.test", WindowID: "9", Active: true, Status: StatusComplete}},
		ActiveTabID: "3",
	}
	if diff := cmp.Diff(want, reloaded.GetTabs()); diff != "" {
		t.Errorf("reloaded snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateTabsDropsCollidingTabsConsistently(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	batch := []Tab{
		{ID: "1", URL: "https://a.test"},
		{ID: "2", URL: "https://b.test"},
		{ID: "1", URL: "https://c.test", WindowID: "4"},
		{ID: "3", URL: "https://d.test", WindowID: "4", Position: 2},
	}
	require.NoError(t, m.UpdateTabs(ctx, batch, "2"))

	got := m.GetTabs()
	require.Len(t, got.Tabs, 2)
	assert.Equal(t, []ID{"1", "3"}, []ID{got.Tabs[0].ID, got.Tabs[1].ID})
	assert.Empty(t, got.ActiveTabID)

	reloaded := NewManager(m.store, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	if diff := cmp.Diff(got, reloaded.GetTabs()); diff != "" {
		t.Errorf("memory and store disagree (-memory +store):\n%s", diff)
	}
}

func TestDuplicateCookieSaveUpdatesOneRow(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	n, err := m.SaveCookies(ctx, "t1", []Cookie{{Name: "sid", Domain: "example.com", Path: "/", Value: "a"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.SaveCookies(ctx, "t2", []Cookie{{Name: "sid", Domain: "example.com", Path: "/", Value: "b", SameSite: "Strict"}})
	require.NoError(t, err)

	got, err := m.Cookies(ctx, CookieFilter{Domain: "example.com", Name: "sid"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Value)
	assert.Equal(t, SameSiteStrict, got[0].SameSite)
}

func TestSaveCookiesDefaultsAndSkips(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	exp := 1893456000.5

	n, err := m.SaveCookies(ctx, "t1", []Cookie{
		{Name: "a", Domain: ".example.com", Value: "1", SameSite: "no_restriction", ExpirationDate: &exp},
		{Name: "b", Domain: "", Value: "dropped"},
		{Name: "c", Domain: "sub.example.com", Path: "/app", SameSite: "weird", Session: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := m.Cookies(ctx, CookieFilter{Domain: "example.com"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/", got[0].Path)
	require.NotNil(t, got[0].ExpirationDate)
	assert.Equal(t, exp, *got[0].ExpirationDate)
	assert.Equal(t, SameSiteUnspecified, got[1].SameSite)
}

func TestNormalizeSameSite(t *testing.T) {
	cases := map[string]string{
		"None":           SameSiteNoRestriction,
		"no_restriction": SameSiteNoRestriction,
		"Lax":            SameSiteLax,
		"STRICT":         SameSiteStrict,
		"":               SameSiteUnspecified,
		"bogus":          SameSiteUnspecified,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSameSite(in), in)
	}
}
