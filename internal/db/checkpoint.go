package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neboloop/tabrelay/internal/logging"
)

// CheckpointMode is a wal_checkpoint argument.
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

const checkpointTimeout = 30 * time.Second

// CheckpointResult mirrors the row returned by PRAGMA wal_checkpoint.
type CheckpointResult struct {
	Busy         bool
	LogFrames    int64
	Checkpointed int64
}

func checkpoint(ctx context.Context, db *sql.DB, mode CheckpointMode) (CheckpointResult, error) {
	var busy, logFrames, done int64
	row := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	if err := row.Scan(&busy, &logFrames, &done); err != nil {
		return CheckpointResult{}, err
	}
	return CheckpointResult{Busy: busy != 0, LogFrames: logFrames, Checkpointed: done}, nil
}

// Checkpoint merges the write-ahead log into the main database file.
func (s *Store) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	if s.closed.Load() {
		return CheckpointResult{}, ErrClosed
	}
	return checkpoint(ctx, s.db, mode)
}

// StartCheckpoints schedules a passive checkpoint every interval.
func (s *Store) StartCheckpoints(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return nil
	}

	sched := cron.New()
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		defer cancel()
		res, err := s.Checkpoint(ctx, CheckpointPassive)
		if err != nil {
			logging.Warnf("[db] scheduled checkpoint failed: %v", err)
			return
		}
		logging.Debugf("[db] checkpoint: %d/%d frames (busy=%v)", res.Checkpointed, res.LogFrames, res.Busy)
	})
	if err != nil {
		return fmt.Errorf("schedule checkpoint: %w", err)
	}
	sched.Start()
	s.scheduler = sched
	return nil
}

func (s *Store) stopCheckpoints() {
	s.mu.Lock()
	sched := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()
	if sched != nil {
		<-sched.Stop().Done()
	}
}
