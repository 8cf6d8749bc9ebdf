package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the request does not exist.
	ErrNotFound = errors.New("request: not found")
	// ErrAlreadyClaimed signals the request left the open market before the caller's claim landed.
	ErrAlreadyClaimed = errors.New("request: already claimed")
	// ErrNotLockedByCaller signals the caller does not hold the lock.
	ErrNotLockedByCaller = errors.New("request: not locked by caller")
	// ErrInvalidState signals the transition is not legal from the current status.
	ErrInvalidState = errors.New("request: invalid state")
	// ErrNotAuthorized signals the caller does not own the request.
	ErrNotAuthorized = errors.New("request: not authorized")
)

const requestColumns = `id, creator_id, title, lat, lng, price_cents, status::text, agent_id, locked_at, created_at, updated_at`

// Repository owns all writes to the (agent_id, status) ownership token.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const insertSQL = `
		INSERT INTO requests (id, creator_id, title, lat, lng, price_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'open')
		RETURNING ` + requestColumns
	rec, err := scanRequest(tx.QueryRow(ctx, insertSQL, req.ID, req.CreatorID, req.Title, req.Lat, req.Lng, req.PriceCents))
	if err != nil {
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}
	return rec, nil
}

// Claim performs the single atomic conditional transition open -> locked.
// Of N concurrent callers exactly one sees a row; the rest fall through to
// the status probe and get ErrAlreadyClaimed with no state change.
func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, requestID, agentID string) (Lease, error) {
	const claimSQL = `
		UPDATE requests
		SET status = 'locked', agent_id = $2, locked_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING id, agent_id, price_cents, locked_at
	`
	var lease Lease
	err := tx.QueryRow(ctx, claimSQL, requestID, agentID).
		Scan(&lease.RequestID, &lease.AgentID, &lease.PriceCents, &lease.LockedAt)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, fmt.Errorf("request: claim: %w", err)
	}

	var status Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM requests WHERE id = $1`, requestID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, fmt.Errorf("request: claim probe: %w", err)
	}
	return Lease{}, ErrAlreadyClaimed
}

// Release returns a locked request to the open market, but only for the lock holder.
func (r *Repository) Release(ctx context.Context, tx pgx.Tx, requestID, agentID string) error {
	const releaseSQL = `
		UPDATE requests
		SET status = 'open', agent_id = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND agent_id = $2 AND status = 'locked'
	`
	tag, err := tx.Exec(ctx, releaseSQL, requestID, agentID)
	if err != nil {
		return fmt.Errorf("request: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotLockedByCaller
	}
	return nil
}

// Cancel is allowed only while open and only for the creator.
func (r *Repository) Cancel(ctx context.Context, tx pgx.Tx, requestID, creatorID string) error {
	const cancelSQL = `
		UPDATE requests
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND creator_id = $2 AND status = 'open'
	`
	tag, err := tx.Exec(ctx, cancelSQL, requestID, creatorID)
	if err != nil {
		return fmt.Errorf("request: cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var (
		owner  string
		status Status
	)
	if err := tx.QueryRow(ctx, `SELECT creator_id, status::text FROM requests WHERE id = $1`, requestID).Scan(&owner, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("request: cancel probe: %w", err)
	}
	if owner != creatorID {
		return ErrNotAuthorized
	}
	if !CanTransition(status, StatusCancelled) {
		return ErrInvalidState
	}
	return fmt.Errorf("request: cancel lost race on %s", requestID)
}

// Reopen clears the ownership token after a rejected delivery. Internal:
// only the dispute arbiter calls it, inside its own transaction.
func (r *Repository) Reopen(ctx context.Context, tx pgx.Tx, requestID string) error {
	const reopenSQL = `
		UPDATE requests
		SET status = 'open', agent_id = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'disputed'
	`
	tag, err := tx.Exec(ctx, reopenSQL, requestID)
	if err != nil {
		return fmt.Errorf("request: reopen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, requestID string) (Request, error) {
	rec, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListOpen(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE status = 'open'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("request: list open: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, limit)
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("request: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var rec Request
	err := row.Scan(
		&rec.ID,
		&rec.CreatorID,
		&rec.Title,
		&rec.Lat,
		&rec.Lng,
		&rec.PriceCents,
		&rec.Status,
		&rec.AgentID,
		&rec.LockedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	return rec, nil
}
