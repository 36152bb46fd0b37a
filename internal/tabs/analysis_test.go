package tabs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeCookiesSplitsParties(t *testing.T) {
	exp := 1893456000.0
	cookies := []Cookie{
		{Name: "sid", Domain: ".example.com", Secure: true, HTTPOnly: true, SameSite: "lax", ExpirationDate: &exp},
		{Name: "pref", Domain: "www.example.com", Secure: true, Session: true},
		{Name: "cdn", Domain: "static.example.com", SameSite: "strict"},
		{Name: "ad", Domain: ".tracker.test", SameSite: "no_restriction", PartitionKey: json.RawMessage(`{"topLevelSite":"https://example.com"}`)},
	}
	a := AnalyzeCookies("https://www.example.com/login", cookies)

	assert.Equal(t, 4, a.Total)
	assert.Equal(t, 3, a.FirstParty)
	assert.Equal(t, 1, a.ThirdParty)
	assert.Equal(t, 2, a.Secure)
	assert.Equal(t, 1, a.HTTPOnly)
	assert.Equal(t, 1, a.Persistent)
	assert.Equal(t, 3, a.Session)
	assert.Equal(t, 1, a.Partitioned)
	assert.Equal(t, 1, a.SameSite[SameSiteLax])
	assert.Equal(t, 1, a.SameSite[SameSiteUnspecified])
	assert.Equal(t, 1, a.ByDomain["example.com"])
	assert.Empty(t, a.Warnings)
}

func TestAnalyzeCookiesWarnings(t *testing.T) {
	a := AnalyzeCookies("https://shop.example.co.uk/", []Cookie{
		{Name: "x", Domain: "other.co.uk"},
	})
	assert.Equal(t, 0, a.FirstParty)
	assert.Len(t, a.Warnings, 3)

	// public suffixes never count as the site
	b := AnalyzeCookies("https://shop.example.co.uk/", []Cookie{{Name: "x", Domain: "co.uk"}})
	assert.Equal(t, 0, b.FirstParty)
}

func TestAnalyzeCookiesWithoutPage(t *testing.T) {
	a := AnalyzeCookies("", []Cookie{{Name: "a", Domain: "a.test"}, {Name: "b", Domain: "b.test"}, {Name: "c", Domain: "c.test"}})
	assert.Equal(t, 3, a.ThirdParty)
	assert.Empty(t, a.Warnings)
}
