package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultListLimit applies when a list call passes limit <= 0.
const DefaultListLimit = 50

var interactionFields = []string{
	"id", "request_id", "session_id", "phase", "created_at", "user_message",
	"response", "quality_score", "safety_level", "suggested_phase", "tokens_used", "model",
}

var (
	selectInteractions = "SELECT " + strings.Join(interactionFields, ", ") + " FROM interactions"
	insertInteraction  = "INSERT INTO interactions (" + strings.Join(interactionFields, ", ") +
		") VALUES (?" + strings.Repeat(", ?", len(interactionFields)-1) + ")"
)

// Timestamps are stored as RFC 3339 UTC text so that they sort lexically.
func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// SaveInteraction inserts in. The ID must be set and unique; a zero
// CreatedAt is stamped with the current time.
func (s *Store) SaveInteraction(ctx context.Context, in Interaction) error {
	if in.ID == "" {
		return errors.New("saving interaction: empty id")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, insertInteraction,
		in.ID, in.RequestID, in.SessionID, in.Phase, encodeTime(in.CreatedAt), in.UserMessage,
		in.Response, in.QualityScore, in.SafetyLevel, in.SuggestedPhase, in.TokensUsed, in.Model,
	)
	if err != nil {
		return fmt.Errorf("saving interaction %s: %w", in.ID, err)
	}
	return nil
}

// GetInteraction returns ErrNotFound for an unknown id.
func (s *Store) GetInteraction(ctx context.Context, id string) (Interaction, error) {
	in, err := scanInteraction(s.db.QueryRowContext(ctx, selectInteractions+" WHERE id = ?", id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Interaction{}, ErrNotFound
	case err != nil:
		return Interaction{}, fmt.Errorf("getting interaction %s: %w", id, err)
	}
	return in, nil
}

// RecentInteractions lists the newest interactions of all sessions.
func (s *Store) RecentInteractions(ctx context.Context, limit int) ([]Interaction, error) {
	return s.list(ctx, "", limit)
}

// SessionInteractions lists the newest interactions of one session.
func (s *Store) SessionInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	return s.list(ctx, sessionID, limit)
}

func (s *Store) list(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := selectInteractions
	args := make([]any, 0, 2)
	if sessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	// rowid breaks ties between records created within the same second.
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// DeleteInteractionsBefore removes interactions created before cutoff and
// reports how many rows went.
func (s *Store) DeleteInteractionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM interactions WHERE created_at < ?", encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging interactions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountInteractions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interactions").Scan(&n)
	return n, err
}

func scanInteraction(row interface{ Scan(...any) error }) (Interaction, error) {
	var (
		in      Interaction
		created string
	)
	err := row.Scan(&in.ID, &in.RequestID, &in.SessionID, &in.Phase, &created, &in.UserMessage,
		&in.Response, &in.QualityScore, &in.SafetyLevel, &in.SuggestedPhase, &in.TokensUsed, &in.Model)
	if err != nil {
		return Interaction{}, err
	}
	if in.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return Interaction{}, fmt.Errorf("interaction %s: bad created_at %q: %w", in.ID, created, err)
	}
	return in, nil
}
