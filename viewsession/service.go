package viewsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"photodrop/outbox"
)

// ResetMode selects what a reset leaves behind.
type ResetMode string

const (
	// ResetFresh clears the grant so the next start issues a new full window.
	ResetFresh ResetMode = "fresh"
	// ResetRevoke permanently closes the grant; starting again reports an
	// expired window until a fresh reset.
	ResetRevoke ResetMode = "revoke"
)

var (
	// ErrPhotoNotFound signals the photo does not exist.
	ErrPhotoNotFound = errors.New("viewsession: photo not found")
	// ErrNotAuthorized signals the viewer is not the request's creator.
	ErrNotAuthorized = errors.New("viewsession: viewer is not the requester")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the sole writer of the photos view_* columns and the
// authoritative clock for view sessions.
type Service struct {
	pool   TxBeginner
	reader Querier
	outbox OutboxWriter
	now    func() time.Time
}

func NewService(pool TxBeginner, reader Querier, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		reader: reader,
		outbox: outbox,
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StartOutcome is what the API hands back to the viewer.
type StartOutcome struct {
	PhotoID        string
	StoragePath    string
	ExpiresAt      time.Time
	AlreadyExpired bool
}

// Start issues or replays the viewing grant for photoID. Idempotent while
// unexpired: a second call inside the window returns the stored deadline
// unchanged and never restarts the clock.
func (s *Service) Start(ctx context.Context, photoID, viewerID string) (StartOutcome, error) {
	if photoID == "" || viewerID == "" {
		return StartOutcome{}, fmt.Errorf("viewsession: photo id and viewer id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StartOutcome{}, fmt.Errorf("viewsession: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const loadSQL = `
		SELECT p.storage_path, p.view_started_at, p.view_expires_at, p.view_revoked_at, r.creator_id
		FROM photos p
		JOIN requests r ON r.id = p.request_id
		WHERE p.id = $1
		FOR UPDATE OF p
	`
	var (
		storagePath string
		grant       Grant
		creatorID   string
	)
	if err := tx.QueryRow(ctx, loadSQL, photoID).
		Scan(&storagePath, &grant.StartedAt, &grant.ExpiresAt, &grant.RevokedAt, &creatorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StartOutcome{}, ErrPhotoNotFound
		}
		return StartOutcome{}, fmt.Errorf("viewsession: load grant: %w", err)
	}
	if creatorID != viewerID {
		return StartOutcome{}, ErrNotAuthorized
	}

	result, next := grant.start(s.now())
	if result.Issued {
		const issueSQL = `
			UPDATE photos
			SET view_started_at = $2, view_expires_at = $3
			WHERE id = $1 AND view_started_at IS NULL AND view_revoked_at IS NULL
		`
		tag, err := tx.Exec(ctx, issueSQL, photoID, *next.StartedAt, *next.ExpiresAt)
		if err != nil {
			return StartOutcome{}, fmt.Errorf("viewsession: issue grant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Lost a race that the row lock should have prevented.
			return StartOutcome{}, fmt.Errorf("viewsession: concurrent grant on photo %s", photoID)
		}

		payload := map[string]any{
			"photo_id":   photoID,
			"viewer_id":  viewerID,
			"expires_at": next.ExpiresAt.UTC(),
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicSessionStarted, payload); err != nil {
			return StartOutcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return StartOutcome{}, fmt.Errorf("viewsession: commit start: %w", err)
	}

	return StartOutcome{
		PhotoID:        photoID,
		StoragePath:    storagePath,
		ExpiresAt:      result.ExpiresAt,
		AlreadyExpired: result.AlreadyExpired,
	}, nil
}

// Remaining reports the grant state for photoID from the stored deadline and
// the current wall clock. No background expiry task exists or is needed.
func (s *Service) Remaining(ctx context.Context, photoID string) (RemainingState, time.Duration, error) {
	var grant Grant
	err := s.reader.QueryRow(ctx, `SELECT view_started_at, view_expires_at, view_revoked_at FROM photos WHERE id = $1`, photoID).
		Scan(&grant.StartedAt, &grant.ExpiresAt, &grant.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NotStarted, 0, ErrPhotoNotFound
		}
		return NotStarted, 0, fmt.Errorf("viewsession: load grant: %w", err)
	}
	state, left := grant.Remaining(s.now())
	return state, left, nil
}

// ResetTx rewrites the grant inside the caller's transaction. Only the
// dispute arbiter calls this, as a documented cross-component side effect.
func (s *Service) ResetTx(ctx context.Context, tx pgx.Tx, photoID string, mode ResetMode) error {
	var sql string
	switch mode {
	case ResetFresh:
		sql = `UPDATE photos SET view_started_at = NULL, view_expires_at = NULL, view_revoked_at = NULL WHERE id = $1`
	case ResetRevoke:
		sql = `UPDATE photos SET view_started_at = NULL, view_expires_at = NULL, view_revoked_at = $2 WHERE id = $1`
	default:
		return fmt.Errorf("viewsession: unknown reset mode %q", mode)
	}

	args := []any{photoID}
	if mode == ResetRevoke {
		args = append(args, s.now())
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("viewsession: reset %s: %w", mode, err)
	}

	payload := map[string]any{
		"photo_id": photoID,
		"mode":     string(mode),
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicSessionReset, payload); err != nil {
		return err
	}
	return nil
}
