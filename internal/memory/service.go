package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// DecayFactor is the time-based downweighting since last access.
func DecayFactor(sinceAccess time.Duration, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = 30
	}
	days := sinceAccess.Hours() / 24
	if days <= 0 {
		return 1
	}
	return math.Pow(0.5, days/halfLifeDays)
}

// Service runs extraction and injection around the dispatch pipeline. Nil
// receivers are valid and do nothing, so memory can be disabled by simply
// not constructing one.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService wraps a store.
func NewService(store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Store exposes the underlying store for status reporting.
func (s *Service) Store() *Store {
	if s == nil {
		return nil
	}
	return s.store
}

// Remember extracts memory candidates from assistant text, scores surprise
// against recent same-type session memories, and stores the survivors.
// Errors are logged, never returned; memory must not fail a request.
func (s *Service) Remember(ctx context.Context, sessionID, turnID, assistantText string) {
	if s == nil || s.store == nil || assistantText == "" {
		return
	}

	for _, cand := range Extract(assistantText) {
		recent, err := s.store.RecentForSession(ctx, sessionID, cand.Type, s.store.opts.RecentWindow)
		if err != nil {
			s.logger.Warn("memory: recent lookup failed", "type", cand.Type, "error", err)
			continue
		}
		priors := make([]string, len(recent))
		for i, r := range recent {
			priors[i] = r.Content
		}

		surprise := Surprise(cand.Content, priors)
		if surprise < s.store.opts.SurpriseThreshold {
			continue
		}

		rec := &Record{
			SessionID:     sessionID,
			Content:       cand.Content,
			Type:          cand.Type,
			Importance:    Importance(cand.Type, surprise),
			SurpriseScore: surprise,
			SourceTurnID:  turnID,
		}
		stored, err := s.store.Insert(ctx, rec)
		if err != nil {
			s.logger.Warn("memory: insert failed", "type", cand.Type, "error", err)
			continue
		}
		if stored {
			s.logger.Debug("memory: stored",
				"type", cand.Type, "surprise", surprise, "importance", rec.Importance)
		}
	}
}

// Recall retrieves memories relevant to the query and formats them as a
// system-prompt section. Returns "" when nothing matches or retrieval fails.
func (s *Service) Recall(ctx context.Context, sessionID, query string, limit int) string {
	if s == nil || s.store == nil || query == "" {
		return ""
	}
	records, err := s.store.Search(ctx, Query{Text: query, SessionID: sessionID, Limit: limit})
	if err != nil {
		s.logger.Warn("memory: retrieval failed", "error", err)
		return ""
	}
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant context from earlier sessions:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Type, r.Content)
	}
	return b.String()
}

// RunMaintenance periodically recomputes decay factors and evicts records
// whose effective score fell below the floor, plus anything past the maximum
// age or count. Blocks until ctx is cancelled.
func (s *Service) RunMaintenance(ctx context.Context, every time.Duration) {
	if s == nil || s.store == nil {
		return
	}
	if every <= 0 {
		every = 15 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Maintain(ctx); err != nil {
				s.logger.Warn("memory: maintenance failed", "error", err)
			}
		}
	}
}

// Maintain recomputes decay and evicts stale records.
func (s *Store) Maintain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	// Decay is recomputed in Go: the driver's time encoding is not
	// parseable by SQLite's date functions, so julianday arithmetic over
	// these columns yields NULL.
	rows, err := s.db.QueryContext(ctx, `SELECT id, last_accessed_at FROM memories`)
	if err != nil {
		return fmt.Errorf("recompute decay: %w", err)
	}
	type decayUpdate struct {
		id    string
		decay float64
	}
	var updates []decayUpdate
	for rows.Next() {
		var id string
		var lastAccess time.Time
		if err := rows.Scan(&id, &lastAccess); err != nil {
			rows.Close()
			return fmt.Errorf("recompute decay: %w", err)
		}
		updates = append(updates, decayUpdate{id, DecayFactor(now.Sub(lastAccess), s.opts.HalfLifeDays)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("recompute decay: %w", err)
	}
	// The single connection is shared, so the cursor must be closed before
	// the updates run.
	rows.Close()

	for _, u := range updates {
		_, err := s.db.ExecContext(ctx,
			`UPDATE memories SET decay_factor = ? WHERE id = ?`, u.decay, u.id)
		if err != nil {
			return fmt.Errorf("recompute decay: %w", err)
		}
	}

	// Evict by effective score floor and by age.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM memories
		WHERE importance * decay_factor * (1 + ln(1 + access_count)) < ?
		   OR created_at < ?`,
		evictionFloor, now.AddDate(0, 0, -s.opts.MaxAgeDays),
	)
	if err != nil {
		return fmt.Errorf("evict memories: %w", err)
	}

	// Cap total count, dropping the weakest first.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE id IN (
			SELECT id FROM memories
			ORDER BY importance * decay_factor * (1 + ln(1 + access_count)) DESC
			LIMIT -1 OFFSET ?
		)`,
		s.opts.MaxCount,
	)
	if err != nil {
		return fmt.Errorf("cap memories: %w", err)
	}
	return nil
}
