package photo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"photodrop/outbox"
	"photodrop/request"
)

// ErrNotLockedByCaller signals the submitting agent does not hold the lock
// on the request.
var ErrNotLockedByCaller = errors.New("photo: request not locked by caller")

// SubmitParams carries one delivery attempt.
type SubmitParams struct {
	RequestID   string
	AgentID     string
	StoragePath string
	TakenLat    float64
	TakenLng    float64
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Deliveries defines the data access the coordinator needs.
type Deliveries interface {
	Insert(ctx context.Context, tx pgx.Tx, p Photo) (Photo, error)
	Get(ctx context.Context, photoID string) (Photo, error)
	ActiveForRequest(ctx context.Context, requestID string) (Photo, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service coordinates photo delivery: it records the attempt and advances
// the request locked -> fulfilled in the same transaction.
type Service struct {
	pool        TxBeginner
	repo        Deliveries
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Deliveries, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Submit records a delivery for a request locked by agentID. A repeated
// submit on an already-fulfilled request by the same agent returns the
// existing active photo without re-firing the transition, so settlement can
// never double-fire off a retried upload.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Photo, error) {
	if params.RequestID == "" || params.AgentID == "" {
		return Photo{}, fmt.Errorf("photo: request id and agent id required")
	}
	if params.StoragePath == "" {
		return Photo{}, fmt.Errorf("photo: storage path required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Photo{}, fmt.Errorf("photo: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status  request.Status
		agentID *string
	)
	if err := tx.QueryRow(ctx, `SELECT status::text, agent_id FROM requests WHERE id = $1 FOR UPDATE`, params.RequestID).
		Scan(&status, &agentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Photo{}, request.ErrNotFound
		}
		return Photo{}, fmt.Errorf("photo: load request: %w", err)
	}

	lockedByCaller := agentID != nil && *agentID == params.AgentID

	// Idempotent replay: the transition already happened for this agent.
	if status == request.StatusFulfilled && lockedByCaller {
		existing, err := activeForRequestTx(ctx, tx, params.RequestID)
		if err != nil {
			return Photo{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Photo{}, fmt.Errorf("photo: commit replay: %w", err)
		}
		return existing, nil
	}

	if status != request.StatusLocked || !lockedByCaller {
		return Photo{}, ErrNotLockedByCaller
	}
	if !request.CanTransition(status, request.StatusFulfilled) {
		return Photo{}, request.ErrInvalidState
	}

	created, err := s.repo.Insert(ctx, tx, Photo{
		ID:          s.idGenerator(),
		RequestID:   params.RequestID,
		AgentID:     params.AgentID,
		StoragePath: params.StoragePath,
		TakenLat:    params.TakenLat,
		TakenLng:    params.TakenLng,
	})
	if err != nil {
		return Photo{}, err
	}

	tag, err := tx.Exec(ctx, `UPDATE requests SET status = 'fulfilled', updated_at = now() WHERE id = $1 AND status = 'locked'`, params.RequestID)
	if err != nil {
		return Photo{}, fmt.Errorf("photo: fulfil request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Photo{}, request.ErrInvalidState
	}

	payload := map[string]any{
		"photo_id":   created.ID,
		"request_id": created.RequestID,
		"agent_id":   created.AgentID,
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicPhotoSubmitted, payload); err != nil {
		return Photo{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Photo{}, fmt.Errorf("photo: commit submit: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, photoID string) (Photo, error) {
	return s.repo.Get(ctx, photoID)
}

func (s *Service) ActiveForRequest(ctx context.Context, requestID string) (Photo, error) {
	return s.repo.ActiveForRequest(ctx, requestID)
}
