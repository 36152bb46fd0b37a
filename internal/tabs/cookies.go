package tabs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/db"
)

// NormalizeSameSite maps extension and header spellings onto the stored enum.
func NormalizeSameSite(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "no_restriction", "none":
		return SameSiteNoRestriction
	case "lax":
		return SameSiteLax
	case "strict":
		return SameSiteStrict
	default:
		return SameSiteUnspecified
	}
}

// SaveCookies upserts cookies by (name, domain, path) in one transaction and returns
// how many were written. tabID only scopes the log line: cookies outlive their tab.
func (m *Manager) SaveCookies(ctx context.Context, tabID ID, cookies []Cookie) (int, error) {
	now := db.NowMillis(m.now())
	saved := 0
	err := m.store.WithTx(ctx, func(tx *db.Tx) error {
		for _, c := range cookies {
			if c.Name == "" || c.Domain == "" {
				m.log.Debug("skipping cookie without name or domain", zap.String("tab", tabID.String()))
				continue
			}
			path := c.Path
			if path == "" {
				path = "/"
			}
			var expires any
			if c.ExpirationDate != nil {
				expires = *c.ExpirationDate
			}
			var store any
			if c.StoreID != "" {
				store = c.StoreID
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO cookies
				     (name, value, domain, path, secure, http_only, same_site, expiration_date, session, store_id, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(name, domain, path) DO UPDATE SET
				     value = excluded.value,
				     secure = excluded.secure,
				     http_only = excluded.http_only,
				     same_site = excluded.same_site,
				     expiration_date = excluded.expiration_date,
				     session = excluded.session,
				     store_id = excluded.store_id,
				     updated_at = excluded.updated_at`,
				c.Name, c.Value, c.Domain, path, c.Secure, c.HTTPOnly, NormalizeSameSite(c.SameSite),
				expires, c.Session, store, now, now); err != nil {
				return fmt.Errorf("cookie %s@%s: %w", c.Name, c.Domain, err)
			}
			saved++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save cookies: %w", err)
	}
	m.log.Debug("saved cookies", zap.String("tab", tabID.String()), zap.Int("count", saved))
	return saved, nil
}

// Cookies returns stored cookies. A domain filter matches the domain itself, its
// dotted form and any subdomain.
func (m *Manager) Cookies(ctx context.Context, filter CookieFilter) ([]Cookie, error) {
	query := `SELECT * FROM cookies WHERE 1 = 1`
	var args []any
	if d := strings.TrimPrefix(strings.ToLower(filter.Domain), "."); d != "" {
		query += ` AND (lower(domain) = ? OR lower(domain) = ? OR lower(domain) LIKE ?)`
		args = append(args, d, "."+d, "%."+d)
	}
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY domain, path, name`

	rows, err := m.store.All(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cookies: %w", err)
	}
	out := make([]Cookie, 0, len(rows))
	for _, r := range rows {
		c := Cookie{
			Name:     r.String("name"),
			Value:    r.String("value"),
			Domain:   r.String("domain"),
			Path:     r.String("path"),
			Secure:   r.Bool("secure"),
			HTTPOnly: r.Bool("http_only"),
			SameSite: r.String("same_site"),
			Session:  r.Bool("session"),
			StoreID:  r.String("store_id"),
		}
		if !r.Null("expiration_date") {
			v := r.Float64("expiration_date")
			c.ExpirationDate = &v
		}
		out = append(out, c)
	}
	return out, nil
}
