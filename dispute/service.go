package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"photodrop/outbox"
	"photodrop/request"
	"photodrop/viewsession"
)

var (
	// ErrInvalidState signals the request is not in a disputable state.
	ErrInvalidState = errors.New("dispute: request is not disputable")
	// ErrNotAuthorized signals the caller may not file against this photo.
	ErrNotAuthorized = errors.New("dispute: not authorized")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Disputes defines the data access the arbiter needs.
type Disputes interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, disputeID string, outcome Status, notes string) (Record, error)
	MarkUnderReview(ctx context.Context, disputeID string) (Record, error)
	List(ctx context.Context, status Status) ([]ReviewItem, error)
}

// RequestReopener clears the ownership token after a rejected delivery.
type RequestReopener interface {
	Reopen(ctx context.Context, tx pgx.Tx, requestID string) error
}

// PhotoRejecter marks the disputed photo rejected.
type PhotoRejecter interface {
	MarkRejected(ctx context.Context, tx pgx.Tx, photoID string) error
}

// SessionResetter freezes or restores the viewing grant.
type SessionResetter interface {
	ResetTx(ctx context.Context, tx pgx.Tx, photoID string, mode viewsession.ResetMode) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service arbitrates disputes. It is the only component allowed to trigger
// cross-entity side effects: reopening requests, rejecting photos, and
// resetting view sessions.
type Service struct {
	pool        TxBeginner
	repo        Disputes
	requests    RequestReopener
	photos      PhotoRejecter
	sessions    SessionResetter
	outbox      OutboxWriter
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Disputes, requests RequestReopener, photos PhotoRejecter, sessions SessionResetter, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		requests:    requests,
		photos:      photos,
		sessions:    sessions,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

type OpenParams struct {
	PhotoID     string
	RequesterID string
	Reason      Reason
	Description string
}

// Open files a dispute against a delivered photo. The request moves
// fulfilled -> disputed and the viewing grant is revoked in the same
// transaction, so no viewing happens while the dispute is pending.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.PhotoID == "" || params.RequesterID == "" {
		return Record{}, fmt.Errorf("dispute: photo id and requester id required")
	}
	if !ValidReason(params.Reason) {
		return Record{}, fmt.Errorf("dispute: unknown reason %q", params.Reason)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const loadSQL = `
		SELECT p.request_id, r.status::text, r.creator_id
		FROM photos p
		JOIN requests r ON r.id = p.request_id
		WHERE p.id = $1
		FOR UPDATE OF p, r
	`
	var (
		requestID string
		status    request.Status
		creatorID string
	)
	if err := tx.QueryRow(ctx, loadSQL, params.PhotoID).Scan(&requestID, &status, &creatorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: load photo: %w", err)
	}
	if creatorID != params.RequesterID {
		return Record{}, ErrNotAuthorized
	}
	if !request.CanTransition(status, request.StatusDisputed) {
		return Record{}, ErrInvalidState
	}

	created, err := s.repo.Insert(ctx, tx, Record{
		ID:          s.idGenerator(),
		PhotoID:     params.PhotoID,
		RequestID:   requestID,
		RequesterID: params.RequesterID,
		Reason:      params.Reason,
		Description: params.Description,
	})
	if err != nil {
		return Record{}, err
	}

	tag, err := tx.Exec(ctx, `UPDATE requests SET status = 'disputed', updated_at = now() WHERE id = $1 AND status = 'fulfilled'`, requestID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: mark request disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Record{}, ErrInvalidState
	}

	if err := s.sessions.ResetTx(ctx, tx, params.PhotoID, viewsession.ResetRevoke); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"dispute_id": created.ID,
		"photo_id":   created.PhotoID,
		"request_id": created.RequestID,
		"reason":     string(created.Reason),
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeOpened, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return created, nil
}

// MarkUnderReview flags the dispute as picked up by an admin.
func (s *Service) MarkUnderReview(ctx context.Context, disputeID string) (Record, error) {
	return s.repo.MarkUnderReview(ctx, disputeID)
}

type ResolveParams struct {
	DisputeID string
	Decision  Decision
	Notes     string
}

// Resolve closes a dispute. Approve pays the agent and restores the viewing
// window; reject rejects the photo and reopens the request. Resolving an
// already-resolved dispute is a no-op that returns the prior outcome and
// must never re-emit a settlement event.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if params.Decision != DecisionApprove && params.Decision != DecisionReject {
		return Record{}, fmt.Errorf("dispute: unknown decision %q", params.Decision)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if current.Status.Resolved() {
		return current, nil
	}

	var (
		reqStatus  request.Status
		agentID    *string
		priceCents int64
	)
	if err := tx.QueryRow(ctx, `SELECT status::text, agent_id, price_cents FROM requests WHERE id = $1 FOR UPDATE`, current.RequestID).
		Scan(&reqStatus, &agentID, &priceCents); err != nil {
		return Record{}, fmt.Errorf("dispute: load request: %w", err)
	}
	if reqStatus != request.StatusDisputed {
		return Record{}, ErrInvalidState
	}

	var resolved Record
	switch params.Decision {
	case DecisionApprove:
		resolved, err = s.resolveApprove(ctx, tx, current, agentID, priceCents, params.Notes)
	case DecisionReject:
		resolved, err = s.resolveReject(ctx, tx, current, params.Notes)
	}
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"dispute_id": resolved.ID,
		"photo_id":   resolved.PhotoID,
		"request_id": resolved.RequestID,
		"outcome":    string(resolved.Status),
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

func (s *Service) resolveApprove(ctx context.Context, tx pgx.Tx, current Record, agentID *string, priceCents int64, notes string) (Record, error) {
	if agentID == nil {
		return Record{}, fmt.Errorf("dispute: disputed request %s has no agent", current.RequestID)
	}
	if !request.CanTransition(request.StatusDisputed, request.StatusResolvedAgent) {
		return Record{}, ErrInvalidState
	}

	resolved, err := s.repo.Resolve(ctx, tx, current.ID, StatusResolvedAgent, notes)
	if err != nil {
		return Record{}, err
	}

	tag, err := tx.Exec(ctx, `UPDATE requests SET status = 'resolved_agent', updated_at = now() WHERE id = $1 AND status = 'disputed'`, current.RequestID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: settle request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Record{}, ErrInvalidState
	}

	settlement := map[string]any{
		"request_id":   current.RequestID,
		"payee_id":     *agentID,
		"amount_cents": priceCents,
		"kind":         "photo_delivery",
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicSettlement, settlement); err != nil {
		return Record{}, err
	}

	// The requester regains a full viewing window for the upheld photo.
	if err := s.sessions.ResetTx(ctx, tx, current.PhotoID, viewsession.ResetFresh); err != nil {
		return Record{}, err
	}
	return resolved, nil
}

func (s *Service) resolveReject(ctx context.Context, tx pgx.Tx, current Record, notes string) (Record, error) {
	resolved, err := s.repo.Resolve(ctx, tx, current.ID, StatusResolvedCreator, notes)
	if err != nil {
		return Record{}, err
	}

	if err := s.photos.MarkRejected(ctx, tx, current.PhotoID); err != nil {
		return Record{}, err
	}
	if err := s.requests.Reopen(ctx, tx, current.RequestID); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"request_id": current.RequestID,
		"dispute_id": current.ID,
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicRequestReopened, payload); err != nil {
		return Record{}, err
	}

	// The view grant stays revoked: there is nothing valid left to view.
	return resolved, nil
}

func (s *Service) List(ctx context.Context, status Status) ([]ReviewItem, error) {
	if status != "" {
		switch status {
		case StatusOpen, StatusUnderReview, StatusResolvedAgent, StatusResolvedCreator:
		default:
			return nil, fmt.Errorf("dispute: unknown status filter %q", status)
		}
	}
	return s.repo.List(ctx, status)
}
