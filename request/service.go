package request

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"photodrop/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger defines the data access the service needs.
type Ledger interface {
	Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Claim(ctx context.Context, tx pgx.Tx, requestID, agentID string) (Lease, error)
	Release(ctx context.Context, tx pgx.Tx, requestID, agentID string) error
	Cancel(ctx context.Context, tx pgx.Tx, requestID, creatorID string) error
	Get(ctx context.Context, requestID string) (Request, error)
	ListOpen(ctx context.Context, limit int) ([]Request, error)
}

// OutboxWriter appends domain events inside the same transaction as the
// transition they describe.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool        TxBeginner
	repo        Ledger
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	CreatorID  string
	Title      string
	Lat        float64
	Lng        float64
	PriceCents int64
}

func NewService(pool TxBeginner, repo Ledger, outbox OutboxWriter) *Service {
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

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.CreatorID == "" {
		return Request{}, fmt.Errorf("request: missing creator id")
	}
	if params.Title == "" {
		return Request{}, fmt.Errorf("request: title required")
	}
	if params.PriceCents <= 0 {
		return Request{}, fmt.Errorf("request: price must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Request{
		ID:         s.idGenerator(),
		CreatorID:  params.CreatorID,
		Title:      params.Title,
		Lat:        params.Lat,
		Lng:        params.Lng,
		PriceCents: params.PriceCents,
	})
	if err != nil {
		return Request{}, err
	}

	payload := map[string]any{
		"request_id":  created.ID,
		"creator_id":  created.CreatorID,
		"price_cents": created.PriceCents,
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicRequestCreated, payload); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit create: %w", err)
	}
	return created, nil
}

// Claim atomically assigns the request to agentID. Exactly one of any set of
// concurrent callers wins; losers get ErrAlreadyClaimed and no state changes.
func (s *Service) Claim(ctx context.Context, requestID, agentID string) (Lease, error) {
	if requestID == "" || agentID == "" {
		return Lease{}, fmt.Errorf("request: request id and agent id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Lease{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lease, err := s.repo.Claim(ctx, tx, requestID, agentID)
	if err != nil {
		return Lease{}, err
	}

	payload := map[string]any{
		"request_id":  lease.RequestID,
		"agent_id":    lease.AgentID,
		"price_cents": lease.PriceCents,
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicRequestClaimed, payload); err != nil {
		return Lease{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Lease{}, fmt.Errorf("request: commit claim: %w", err)
	}
	return lease, nil
}

// Release hands a locked request back to the open market.
func (s *Service) Release(ctx context.Context, requestID, agentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Release(ctx, tx, requestID, agentID); err != nil {
		return err
	}

	payload := map[string]any{
		"request_id": requestID,
		"agent_id":   agentID,
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicRequestReleased, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("request: commit release: %w", err)
	}
	return nil
}

// Cancel withdraws an open request. Creator only.
func (s *Service) Cancel(ctx context.Context, requestID, creatorID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Cancel(ctx, tx, requestID, creatorID); err != nil {
		return err
	}

	payload := map[string]any{
		"request_id": requestID,
		"creator_id": creatorID,
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicRequestCancelled, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("request: commit cancel: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, requestID string) (Request, error) {
	return s.repo.Get(ctx, requestID)
}

func (s *Service) ListOpen(ctx context.Context, limit int) ([]Request, error) {
	return s.repo.ListOpen(ctx, limit)
}
