package tabs

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Analysis thresholds. Advisory only.
const (
	minCookieCount    = 3
	minSecureRatioTLS = 0.5
)

// CookieAnalysis summarizes a cookie batch fetched for a page.
type CookieAnalysis struct {
	URL         string         `json:"url,omitempty"`
	Total       int            `json:"total"`
	ByDomain    map[string]int `json:"byDomain"`
	Secure      int            `json:"secure"`
	HTTPOnly    int            `json:"httpOnly"`
	Session     int            `json:"session"`
	Persistent  int            `json:"persistent"`
	Partitioned int            `json:"partitioned"`
	SameSite    map[string]int `json:"sameSite"`
	FirstParty  int            `json:"firstParty"`
	ThirdParty  int            `json:"thirdParty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// AnalyzeCookies computes completeness statistics for cookies retrieved from pageURL.
func AnalyzeCookies(pageURL string, cookies []Cookie) CookieAnalysis {
	a := CookieAnalysis{
		URL:      pageURL,
		Total:    len(cookies),
		ByDomain: make(map[string]int),
		SameSite: make(map[string]int),
	}

	var host, site string
	https := false
	if u, err := url.Parse(pageURL); err == nil {
		host = strings.ToLower(u.Hostname())
		https = u.Scheme == "https"
		site = registrableDomain(host)
	}

	for _, c := range cookies {
		domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		a.ByDomain[domain]++
		if c.Secure {
			a.Secure++
		}
		if c.HTTPOnly {
			a.HTTPOnly++
		}
		if c.Session || c.ExpirationDate == nil {
			a.Session++
		} else {
			a.Persistent++
		}
		if len(c.PartitionKey) > 0 && string(c.PartitionKey) != "null" {
			a.Partitioned++
		}
		a.SameSite[NormalizeSameSite(c.SameSite)]++

		if host != "" && isFirstParty(domain, host, site) {
			a.FirstParty++
		} else {
			a.ThirdParty++
		}
	}

	if host != "" && a.FirstParty == 0 {
		a.Warnings = append(a.Warnings, fmt.Sprintf("no first-party cookies found for %s", host))
	}
	if a.Total < minCookieCount {
		a.Warnings = append(a.Warnings, fmt.Sprintf("only %d cookies retrieved", a.Total))
	}
	if https && a.Total > 0 {
		if ratio := float64(a.Secure) / float64(a.Total); ratio < minSecureRatioTLS {
			a.Warnings = append(a.Warnings,
				fmt.Sprintf("https page with %.0f%% secure cookies", ratio*100))
		}
	}
	return a
}

func registrableDomain(host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}

// isFirstParty reports whether a cookie for domain belongs to the page's site: the
// page host itself or anything under its registrable domain.
func isFirstParty(domain, host, site string) bool {
	if domain == host {
		return true
	}
	if site == "" {
		return false
	}
	return domain == site || strings.HasSuffix(domain, "."+site)
}
