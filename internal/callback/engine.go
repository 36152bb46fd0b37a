// Package callback correlates asynchronous command/response pairs by request id.
//
// A registration names where the eventual response goes: Internal for responses
// that are only pulled (or delivered to a waiting socket), or an http(s) URL that
// receives a POST once the response arrives. Responses are always persisted first
// so they stay retrievable by Lookup regardless of push outcome.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/db"
	"github.com/neboloop/tabrelay/internal/logging"
)

// Internal is the destination for responses that are never pushed.
const Internal = "internal"

// ErrNotFound is returned when no registration or response exists for a request id.
var ErrNotFound = errors.New("callback: not found")

const (
	defaultExpiry       = time.Hour
	defaultPushTimeout  = 10 * time.Second
	defaultCleanupEvery = 100
)

// Options configures an Engine. Zero values take defaults.
type Options struct {
	Expiry       time.Duration
	PushTimeout  time.Duration
	CleanupEvery int64
	Client       *http.Client
	Logger       *zap.Logger
	Now          func() time.Time
}

// Engine owns the callbacks and callback_responses tables.
type Engine struct {
	store  *db.Store
	opts   Options
	client *http.Client
	log    *zap.Logger

	registered atomic.Int64
	pushes     sync.WaitGroup
}

// New creates an Engine over store.
func New(store *db.Store, opts Options) *Engine {
	if opts.Expiry <= 0 {
		opts.Expiry = defaultExpiry
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = defaultCleanupEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("callback")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.PushTimeout}
	}
	return &Engine{store: store, opts: opts, client: client, log: opts.Logger}
}

// IsPushDestination reports whether destination is an http(s) URL.
func IsPushDestination(destination string) bool {
	return strings.HasPrefix(destination, "http://") || strings.HasPrefix(destination, "https://")
}

// Register records where the response for requestID goes. Registering an existing id
// replaces its destination and expiry. An empty id is logged and ignored.
func (e *Engine) Register(ctx context.Context, requestID, destination string) error {
	if requestID == "" {
		e.log.Warn("register called without request id")
		return nil
	}
	if destination == "" {
		destination = Internal
	}
	now := e.opts.Now()
	_, err := e.store.Exec(ctx,
		`INSERT INTO callbacks (request_id, destination, created_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		     destination = excluded.destination,
		     expires_at = excluded.expires_at`,
		requestID, destination, db.NowMillis(now), db.NowMillis(now.Add(e.opts.Expiry)))
	if err != nil {
		return fmt.Errorf("register callback %s: %w", requestID, err)
	}

	if n := e.registered.Add(1); n%e.opts.CleanupEvery == 0 {
		if removed, err := e.ExpireOldRegistrations(ctx); err != nil {
			e.log.Warn("opportunistic cleanup failed", zap.Error(err))
		} else if removed > 0 {
			e.log.Debug("expired callback registrations", zap.Int64("removed", removed))
		}
	}
	return nil
}

// Resolve persists payload as the response for requestID and, when the registration
// names a URL, pushes it there in the background. A registration is created when
// none exists so the response is never orphaned.
func (e *Engine) Resolve(ctx context.Context, requestID string, payload any) error {
	if requestID == "" {
		e.log.Warn("resolve called without request id")
		return nil
	}
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode response %s: %w", requestID, err)
	}

	now := e.opts.Now()
	var destination string
	err = e.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT OR IGNORE INTO callbacks (request_id, destination, created_at, expires_at)
			 VALUES (?, ?, ?, ?)`,
			requestID, Internal, db.NowMillis(now), db.NowMillis(now.Add(e.opts.Expiry))); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO callback_responses (request_id, payload, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(request_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
			requestID, string(raw), db.NowMillis(now)); err != nil {
			return err
		}
		row, err := tx.Get(ctx, `SELECT destination FROM callbacks WHERE request_id = ?`, requestID)
		if err != nil {
			return err
		}
		destination = row.String("destination")
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve callback %s: %w", requestID, err)
	}

	if IsPushDestination(destination) {
		e.pushes.Add(1)
		go func() {
			defer e.pushes.Done()
			if err := e.Push(context.Background(), destination, requestID, raw); err != nil {
				e.log.Warn("callback push failed",
					zap.String("request_id", requestID),
					zap.String("destination", destination),
					zap.Error(err))
			}
		}()
	}
	return nil
}

// Push delivers one response to url. Only a 2xx status counts as success.
func (e *Engine) Push(ctx context.Context, url, requestID string, data json.RawMessage) error {
	body, err := json.Marshal(struct {
		RequestID string          `json:"requestId"`
		Data      json.RawMessage `json:"data"`
	}{requestID, data})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.PushTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push returned status %d", resp.StatusCode)
	}
	return nil
}

// Lookup returns the stored response for requestID.
func (e *Engine) Lookup(ctx context.Context, requestID string) (json.RawMessage, error) {
	row, err := e.store.Get(ctx, `SELECT payload FROM callback_responses WHERE request_id = ?`, requestID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", requestID, err)
	}
	return json.RawMessage(row.String("payload")), nil
}

// DestinationOf returns the registered destination for requestID.
func (e *Engine) DestinationOf(ctx context.Context, requestID string) (string, error) {
	row, err := e.store.Get(ctx, `SELECT destination FROM callbacks WHERE request_id = ?`, requestID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("destination of %s: %w", requestID, err)
	}
	return row.String("destination"), nil
}

// Discard removes the registration and any response for requestID.
func (e *Engine) Discard(ctx context.Context, requestID string) error {
	return e.store.Transaction(ctx, []db.Statement{
		{Query: `DELETE FROM callback_responses WHERE request_id = ?`, Args: []any{requestID}},
		{Query: `DELETE FROM callbacks WHERE request_id = ?`, Args: []any{requestID}},
	})
}

// ExpireOldRegistrations deletes registrations past their expiry together with
// their responses and returns how many registrations were removed.
func (e *Engine) ExpireOldRegistrations(ctx context.Context) (int64, error) {
	cutoff := db.NowMillis(e.opts.Now())
	var removed int64
	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM callback_responses WHERE request_id IN
			     (SELECT request_id FROM callbacks WHERE expires_at < ?)`, cutoff); err != nil {
			return err
		}
		res, err := tx.Exec(ctx, `DELETE FROM callbacks WHERE expires_at < ?`, cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire callbacks: %w", err)
	}
	return removed, nil
}

// WaitFor polls Lookup every interval until a response appears or ctx is done.
func (e *Engine) WaitFor(ctx context.Context, requestID string, interval time.Duration) (json.RawMessage, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		payload, err := e.Lookup(ctx, requestID)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until in-flight pushes have finished.
func (e *Engine) Wait() {
	e.pushes.Wait()
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	}
	return json.Marshal(payload)
}
