package tabs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neboloop/tabrelay/internal/db"
)

// ErrPartialAssembly is matched by every PartialAssemblyError.
var ErrPartialAssembly = errors.New("partial assembly")

// PartialAssemblyError reports a completion signal that arrived before every chunk.
type PartialAssemblyError struct {
	Received int
	Total    int
}

func (e *PartialAssemblyError) Error() string {
	return fmt.Sprintf("partial assembly: received %d of %d chunks", e.Received, e.Total)
}

func (e *PartialAssemblyError) Is(target error) bool {
	return target == ErrPartialAssembly
}

// HTMLChunk is one piece of a tab's page source.
type HTMLChunk struct {
	TabID       ID     `json:"tabId"`
	ChunkIndex  int    `json:"chunkIndex"`
	ChunkData   string `json:"chunkData"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

// HTMLComplete signals the end of a chunk stream, or carries the page inline.
type HTMLComplete struct {
	TabID       ID      `json:"tabId"`
	HTML        *string `json:"html,omitempty"`
	TotalChunks int     `json:"totalChunks,omitempty"`
	RequestID   string  `json:"requestId,omitempty"`
	URL         string  `json:"url,omitempty"`
	Title       string  `json:"title,omitempty"`
}

// Assembly is the state of one tab's HTML reassembly.
type Assembly struct {
	TabID          ID        `json:"tabId"`
	RequestID      string    `json:"requestId,omitempty"`
	HTML           string    `json:"html,omitempty"`
	TotalChunks    int       `json:"totalChunks"`
	ReceivedChunks int       `json:"receivedChunks"`
	CompletedAt    time.Time `json:"completedAt,omitzero"`
}

// Complete reports whether the assembly has been finalized.
func (a Assembly) Complete() bool {
	return !a.CompletedAt.IsZero()
}

func assemblyFromRow(r db.Row) Assembly {
	return Assembly{
		TabID:          ID(r.String("tab_id")),
		RequestID:      r.String("request_id"),
		HTML:           r.String("html"),
		TotalChunks:    r.Int("total_chunks"),
		ReceivedChunks: r.Int("received_chunks"),
		CompletedAt:    r.Millis("completed_at"),
	}
}

func nullableCount(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResetHTML discards any previous assembly for tabID and remembers requestID as the
// request the next completion answers.
func (m *Manager) ResetHTML(ctx context.Context, tabID ID, requestID string) error {
	now := db.NowMillis(m.now())
	err := m.store.Transaction(ctx, []db.Statement{
		{Query: `DELETE FROM html_content WHERE tab_id = ?`, Args: []any{string(tabID)}},
		{Query: `DELETE FROM html_chunks WHERE tab_id = ?`, Args: []any{string(tabID)}},
		{
			Query: `INSERT INTO html_content (tab_id, request_id, received_chunks, created_at, updated_at)
			        VALUES (?, ?, 0, ?, ?)`,
			Args: []any{string(tabID), nullableString(requestID), now, now},
		},
	})
	if err != nil {
		return fmt.Errorf("reset html %s: %w", tabID, err)
	}
	return nil
}

// HandleHTMLChunk persists one chunk. Redelivering an index is a no-op, and the
// received counter never passes the expected total.
func (m *Manager) HandleHTMLChunk(ctx context.Context, msg HTMLChunk, requestID string) (Assembly, error) {
	if msg.TabID == "" {
		return Assembly{}, errors.New("html chunk without tab id")
	}
	tabID := string(msg.TabID)
	requestID = firstNonEmpty(requestID, msg.RequestID)
	now := db.NowMillis(m.now())

	var out Assembly
	err := m.store.WithTx(ctx, func(tx *db.Tx) error {
		row, err := tx.Get(ctx, `SELECT * FROM html_content WHERE tab_id = ?`, tabID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			if _, err := tx.Exec(ctx,
				`INSERT INTO html_content (tab_id, request_id, total_chunks, received_chunks, created_at, updated_at)
				 VALUES (?, ?, ?, 0, ?, ?)`,
				tabID, nullableString(requestID), nullableCount(msg.TotalChunks), now, now); err != nil {
				return err
			}
		case err != nil:
			return err
		case !row.Null("completed_at"):
			// a chunk after completion starts a fresh page
			if _, err := tx.Exec(ctx, `DELETE FROM html_chunks WHERE tab_id = ?`, tabID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE html_content SET html = NULL, total_chunks = ?, received_chunks = 0,
				     completed_at = NULL, request_id = COALESCE(?, request_id), updated_at = ?
				 WHERE tab_id = ?`,
				nullableCount(msg.TotalChunks), nullableString(requestID), now, tabID); err != nil {
				return err
			}
		default:
			if msg.TotalChunks > 0 && row.Null("total_chunks") && msg.TotalChunks >= row.Int("received_chunks") {
				if _, err := tx.Exec(ctx,
					`UPDATE html_content SET total_chunks = ? WHERE tab_id = ?`, msg.TotalChunks, tabID); err != nil {
					return err
				}
			}
			if requestID != "" && row.Null("request_id") {
				if _, err := tx.Exec(ctx,
					`UPDATE html_content SET request_id = ? WHERE tab_id = ?`, requestID, tabID); err != nil {
					return err
				}
			}
		}

		res, err := tx.Exec(ctx,
			`INSERT OR IGNORE INTO html_chunks (tab_id, chunk_index, data, created_at) VALUES (?, ?, ?, ?)`,
			tabID, msg.ChunkIndex, msg.ChunkData, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if _, err := tx.Exec(ctx,
				`UPDATE html_content SET received_chunks = received_chunks + 1, updated_at = ?
				 WHERE tab_id = ? AND (total_chunks IS NULL OR received_chunks < total_chunks)`,
				now, tabID); err != nil {
				return err
			}
		}

		row, err = tx.Get(ctx, `SELECT * FROM html_content WHERE tab_id = ?`, tabID)
		if err != nil {
			return err
		}
		out = assemblyFromRow(row)
		return nil
	})
	if err != nil {
		return Assembly{}, fmt.Errorf("html chunk %s/%d: %w", tabID, msg.ChunkIndex, err)
	}
	return out, nil
}

// HandleHTMLComplete finalizes the assembly for msg.TabID. Inline HTML is stored as
// is. Otherwise the chunks are concatenated in index order, provided every expected
// chunk arrived; a shortfall returns a *PartialAssemblyError alongside the assembly
// state so the caller can still resolve the originating request.
func (m *Manager) HandleHTMLComplete(ctx context.Context, msg HTMLComplete, requestID string) (Assembly, error) {
	if msg.TabID == "" {
		return Assembly{}, errors.New("html completion without tab id")
	}
	tabID := string(msg.TabID)
	now := db.NowMillis(m.now())

	var (
		out     Assembly
		partial *PartialAssemblyError
	)
	err := m.store.WithTx(ctx, func(tx *db.Tx) error {
		row, err := tx.Get(ctx, `SELECT * FROM html_content WHERE tab_id = ?`, tabID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		exists := err == nil
		out.TabID = msg.TabID
		if exists {
			out.RequestID = firstNonEmpty(requestID, msg.RequestID, row.String("request_id"))
		} else {
			out.RequestID = firstNonEmpty(requestID, msg.RequestID)
		}

		if msg.HTML != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM html_chunks WHERE tab_id = ?`, tabID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO html_content
				     (tab_id, request_id, html, total_chunks, received_chunks, created_at, updated_at, completed_at)
				 VALUES (?, ?, ?, NULL, 0, ?, ?, ?)
				 ON CONFLICT(tab_id) DO UPDATE SET
				     request_id = excluded.request_id, html = excluded.html, total_chunks = NULL,
				     received_chunks = 0, updated_at = excluded.updated_at, completed_at = excluded.completed_at`,
				tabID, nullableString(out.RequestID), *msg.HTML, now, now, now); err != nil {
				return err
			}
			out.HTML = *msg.HTML
			out.CompletedAt = time.UnixMilli(now).UTC()
			return nil
		}

		if !exists {
			partial = &PartialAssemblyError{Received: 0, Total: msg.TotalChunks}
			out.TotalChunks = msg.TotalChunks
			return nil
		}

		received := row.Int("received_chunks")
		total := row.Int("total_chunks")
		if row.Null("total_chunks") {
			total = msg.TotalChunks
		}
		out.ReceivedChunks = received
		out.TotalChunks = total

		chunks, err := tx.All(ctx,
			`SELECT chunk_index, data FROM html_chunks WHERE tab_id = ? ORDER BY chunk_index`, tabID)
		if err != nil {
			return err
		}
		if total <= 0 {
			// no declared total: accept the stream if the indices are contiguous
			total = received
			if n := len(chunks); n > 0 {
				span := chunks[n-1].Int("chunk_index") - chunks[0].Int("chunk_index") + 1
				if span != n {
					total = span
				}
			}
			out.TotalChunks = total
		}
		if received == 0 || received != total || len(chunks) != total {
			partial = &PartialAssemblyError{Received: received, Total: total}
			return nil
		}

		var b strings.Builder
		for _, c := range chunks {
			b.WriteString(c.String("data"))
		}
		out.HTML = b.String()

		if _, err := tx.Exec(ctx,
			`UPDATE html_content SET html = ?, total_chunks = ?, request_id = ?, updated_at = ?, completed_at = ?
			 WHERE tab_id = ?`,
			out.HTML, total, nullableString(out.RequestID), now, now, tabID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM html_chunks WHERE tab_id = ?`, tabID); err != nil {
			return err
		}
		out.CompletedAt = time.UnixMilli(now).UTC()
		return nil
	})
	if err != nil {
		return Assembly{}, fmt.Errorf("html complete %s: %w", tabID, err)
	}
	if partial != nil {
		m.log.Warn("html assembly incomplete",
			zap.String("tab", tabID), zap.Int("received", partial.Received), zap.Int("total", partial.Total))
		return out, partial
	}
	return out, nil
}

// HTML returns the stored assembly for tabID.
func (m *Manager) HTML(ctx context.Context, tabID ID) (Assembly, error) {
	row, err := m.store.Get(ctx, `SELECT * FROM html_content WHERE tab_id = ?`, string(tabID))
	if err != nil {
		return Assembly{}, err
	}
	return assemblyFromRow(row), nil
}
