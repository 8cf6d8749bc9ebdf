package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"photodrop/request"
	"photodrop/viewsession"
)

func newTestService(pool *fakePool, repo *fakeDisputes, requests *fakeReopener, photos *fakeRejecter, sessions *fakeSessions, events *fakeOutbox) *Service {
	return NewService(pool, repo, requests, photos, sessions, events).
		WithIDGenerator(func() string { return "d-test" })
}

func TestOpen_RejectsUnknownReason(t *testing.T) {
	pool := &fakePool{}
	svc := newTestService(pool, &fakeDisputes{}, &fakeReopener{}, &fakeRejecter{}, &fakeSessions{}, &fakeOutbox{})

	_, err := svc.Open(context.Background(), OpenParams{
		PhotoID:     "p1",
		RequesterID: "u1",
		Reason:      Reason("meh"),
	})
	if err == nil {
		t.Fatal("expected error for unknown reason")
	}
	if pool.tx != nil {
		t.Error("expected no transaction for invalid input")
	}
}

func TestResolve_RejectsUnknownDecision(t *testing.T) {
	pool := &fakePool{}
	svc := newTestService(pool, &fakeDisputes{}, &fakeReopener{}, &fakeRejecter{}, &fakeSessions{}, &fakeOutbox{})

	_, err := svc.Resolve(context.Background(), ResolveParams{DisputeID: "d1", Decision: Decision("maybe")})
	if err == nil {
		t.Fatal("expected error for unknown decision")
	}
	if pool.tx != nil {
		t.Error("expected no transaction for invalid input")
	}
}

func TestResolve_IdempotentReplayKeepsOutcome(t *testing.T) {
	resolvedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	prior := Record{ID: "d1", RequestID: "r1", PhotoID: "p1", Status: StatusResolvedAgent, ResolvedAt: &resolvedAt}

	pool := &fakePool{}
	repo := &fakeDisputes{current: prior}
	events := &fakeOutbox{}
	sessions := &fakeSessions{}
	svc := newTestService(pool, repo, &fakeReopener{}, &fakeRejecter{}, sessions, events)

	got, err := svc.Resolve(context.Background(), ResolveParams{DisputeID: "d1", Decision: DecisionReject})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Status != StatusResolvedAgent {
		t.Fatalf("replay must return the prior outcome, got %s", got.Status)
	}
	if pool.tx.committed {
		t.Error("expected commit to be skipped on replay")
	}
	if repo.resolveCalls != 0 {
		t.Error("expected no second resolution write")
	}
	if len(events.topics) != 0 {
		t.Errorf("replay must not emit events, got %v", events.topics)
	}
	if len(sessions.modes) != 0 {
		t.Errorf("replay must not touch the view session, got %v", sessions.modes)
	}
}

func TestResolve_ApprovePaysAgentAndRestoresViewing(t *testing.T) {
	pool := &fakePool{agentID: "a1", priceCents: 500}
	repo := &fakeDisputes{current: Record{ID: "d1", RequestID: "r1", PhotoID: "p1", Status: StatusOpen}}
	requests := &fakeReopener{}
	photos := &fakeRejecter{}
	sessions := &fakeSessions{}
	events := &fakeOutbox{}
	svc := newTestService(pool, repo, requests, photos, sessions, events)

	got, err := svc.Resolve(context.Background(), ResolveParams{DisputeID: "d1", Decision: DecisionApprove, Notes: "legit"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Status != StatusResolvedAgent {
		t.Fatalf("expected resolved_agent, got %s", got.Status)
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
	if countTopic(events.topics, "settlement.created") != 1 {
		t.Fatalf("expected exactly one settlement event, got %v", events.topics)
	}
	if countTopic(events.topics, "dispute.resolved") != 1 {
		t.Fatalf("expected dispute.resolved event, got %v", events.topics)
	}
	if requests.reopened {
		t.Error("approve must not reopen the request")
	}
	if photos.rejected {
		t.Error("approve must not reject the photo")
	}
	if len(sessions.modes) != 1 || sessions.modes[0] != viewsession.ResetFresh {
		t.Fatalf("expected a fresh session reset, got %v", sessions.modes)
	}
}

func TestResolve_RejectReopensRequestWithoutSettlement(t *testing.T) {
	pool := &fakePool{agentID: "a1", priceCents: 500}
	repo := &fakeDisputes{current: Record{ID: "d1", RequestID: "r1", PhotoID: "p1", Status: StatusUnderReview}}
	requests := &fakeReopener{}
	photos := &fakeRejecter{}
	sessions := &fakeSessions{}
	events := &fakeOutbox{}
	svc := newTestService(pool, repo, requests, photos, sessions, events)

	got, err := svc.Resolve(context.Background(), ResolveParams{DisputeID: "d1", Decision: DecisionReject, Notes: "blurry"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Status != StatusResolvedCreator {
		t.Fatalf("expected resolved_creator, got %s", got.Status)
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
	if countTopic(events.topics, "settlement.created") != 0 {
		t.Fatalf("reject must not emit a settlement, got %v", events.topics)
	}
	if countTopic(events.topics, "request.reopened") != 1 {
		t.Fatalf("expected request.reopened event, got %v", events.topics)
	}
	if !requests.reopened {
		t.Error("expected the request to be reopened")
	}
	if !photos.rejected {
		t.Error("expected the photo to be marked rejected")
	}
	if len(sessions.modes) != 0 {
		t.Errorf("reject must leave the session revoked, got %v", sessions.modes)
	}
}

func countTopic(topics []string, want string) int {
	n := 0
	for _, topic := range topics {
		if topic == want {
			n++
		}
	}
	return n
}

type fakeDisputes struct {
	current      Record
	getErr       error
	resolveCalls int
}

func (f *fakeDisputes) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	rec.Status = StatusOpen
	return rec, nil
}

func (f *fakeDisputes) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	return f.current, f.getErr
}

func (f *fakeDisputes) Resolve(ctx context.Context, tx pgx.Tx, disputeID string, outcome Status, notes string) (Record, error) {
	f.resolveCalls++
	resolved := f.current
	resolved.Status = outcome
	resolved.ResolutionNotes = notes
	now := time.Now()
	resolved.ResolvedAt = &now
	return resolved, nil
}

func (f *fakeDisputes) MarkUnderReview(ctx context.Context, disputeID string) (Record, error) {
	reviewed := f.current
	reviewed.Status = StatusUnderReview
	return reviewed, nil
}

func (f *fakeDisputes) List(ctx context.Context, status Status) ([]ReviewItem, error) {
	return nil, nil
}

type fakeReopener struct {
	reopened bool
}

func (f *fakeReopener) Reopen(ctx context.Context, tx pgx.Tx, requestID string) error {
	f.reopened = true
	return nil
}

type fakeRejecter struct {
	rejected bool
}

func (f *fakeRejecter) MarkRejected(ctx context.Context, tx pgx.Tx, photoID string) error {
	f.rejected = true
	return nil
}

type fakeSessions struct {
	modes []viewsession.ResetMode
}

func (f *fakeSessions) ResetTx(ctx context.Context, tx pgx.Tx, photoID string, mode viewsession.ResetMode) error {
	f.modes = append(f.modes, mode)
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

// fakePool hands out fakeTx instances whose QueryRow serves the disputed
// request row the resolve path loads.
type fakePool struct {
	tx         *fakeTx
	agentID    string
	priceCents int64
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{agentID: f.agentID, priceCents: f.priceCents}
	return f.tx, nil
}

type fakeTx struct {
	rolled     bool
	committed  bool
	agentID    string
	priceCents int64
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return requestRow{status: request.StatusDisputed, agentID: &f.agentID, priceCents: f.priceCents}
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type requestRow struct {
	status     request.Status
	agentID    *string
	priceCents int64
}

func (r requestRow) Scan(dest ...any) error {
	*dest[0].(*request.Status) = r.status
	*dest[1].(**string) = r.agentID
	*dest[2].(*int64) = r.priceCents
	return nil
}
