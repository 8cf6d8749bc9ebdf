package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrDuplicate signals the photo already has an unresolved dispute.
	ErrDuplicate = errors.New("dispute: active dispute already exists for photo")
	// ErrBadStatus signals an illegal dispute status transition.
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

const disputeColumns = `id, photo_id, request_id, requester_id, reason::text, description, status::text, resolution_notes, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert creates an open dispute. The partial unique index on unresolved
// disputes makes duplicate filings a constraint violation, not a read race.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
		INSERT INTO disputes (id, photo_id, request_id, requester_id, reason, description, status)
		VALUES ($1, $2, $3, $4, $5::dispute_reason, $6, 'open')
		RETURNING ` + disputeColumns
	created, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		rec.ID, rec.PhotoID, rec.RequestID, rec.RequesterID, rec.Reason, rec.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

// GetForUpdate loads and locks the dispute row within the caller's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// MarkUnderReview moves an open dispute into review.
func (r *Repository) MarkUnderReview(ctx context.Context, disputeID string) (Record, error) {
	const reviewSQL = `
		UPDATE disputes
		SET status = 'under_review', updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + disputeColumns
	rec, err := scanRecord(r.pool.QueryRow(ctx, reviewSQL, disputeID))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: mark under review: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark under review probe: %w", err)
	}
	if status == StatusUnderReview {
		// Another reviewer picked it up first; replay is harmless.
		return r.get(ctx, disputeID)
	}
	return Record{}, ErrBadStatus
}

// Resolve stamps the terminal outcome inside the caller's transaction.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, disputeID string, outcome Status, notes string) (Record, error) {
	if !outcome.Resolved() {
		return Record{}, fmt.Errorf("dispute: %q is not a terminal outcome", outcome)
	}
	const resolveSQL = `
		UPDATE disputes
		SET status = $2::dispute_status, resolution_notes = $3, resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('open', 'under_review')
		RETURNING ` + disputeColumns
	rec, err := scanRecord(tx.QueryRow(ctx, resolveSQL, disputeID, outcome, notes))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

// List returns disputes for admin review, optionally filtered by status,
// joined with the photo and request context.
func (r *Repository) List(ctx context.Context, status Status) ([]ReviewItem, error) {
	query := `
		SELECT d.id, d.photo_id, d.request_id, d.requester_id, d.reason::text, d.description,
		       d.status::text, d.resolution_notes, d.created_at, d.updated_at, d.resolved_at,
		       p.storage_path, p.agent_id, r.creator_id, r.price_cents, r.title
		FROM disputes d
		JOIN photos p ON p.id = d.photo_id
		JOIN requests r ON r.id = d.request_id
	`
	args := []any{}
	if status != "" {
		query += ` WHERE d.status = $1::dispute_status`
		args = append(args, status)
	}
	query += ` ORDER BY d.created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]ReviewItem, 0, 8)
	for rows.Next() {
		var item ReviewItem
		if err := rows.Scan(
			&item.ID, &item.PhotoID, &item.RequestID, &item.RequesterID, &item.Reason, &item.Description,
			&item.Status, &item.ResolutionNotes, &item.CreatedAt, &item.UpdatedAt, &item.ResolvedAt,
			&item.StoragePath, &item.AgentID, &item.CreatorID, &item.PriceCents, &item.RequestTitle,
		); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) get(ctx context.Context, disputeID string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.PhotoID,
		&rec.RequestID,
		&rec.RequesterID,
		&rec.Reason,
		&rec.Description,
		&rec.Status,
		&rec.ResolutionNotes,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
