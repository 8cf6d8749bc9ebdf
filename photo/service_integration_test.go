package photo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"photodrop/outbox"
	"photodrop/request"
)

// TestSubmit_Integration verifies delivery against a live PostgreSQL: the
// locked -> fulfilled transition, holder-only submission, and idempotent
// replay of a retried upload.
func TestSubmit_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var schemaOK bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'photos')`).Scan(&schemaOK); err != nil || !schemaOK {
		t.Skip("database schema missing; apply migrations/001_schema.sql first")
	}

	nonce := time.Now().UnixNano()
	seedUser := func(role string, idx int) string {
		var id string
		err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id`,
			fmt.Sprintf("itest-photo-%s-%d-%d@example.com", role, idx, nonce), "Integration Tester", role,
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s user: %v", role, err)
		}
		return id
	}
	creatorID := seedUser("requester", 0)
	agentID := seedUser("agent", 1)
	strangerID := seedUser("agent", 2)

	events := outbox.NewWriter()
	requestSvc := request.NewService(pool, request.NewRepository(pool), events)
	photoSvc := NewService(pool, NewRepository(pool), events)

	created, err := requestSvc.Create(ctx, request.CreateParams{
		CreatorID: creatorID, Title: fmt.Sprintf("itest delivery %d", nonce), PriceCents: 700,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'request_id' = $1`, created.ID)
		pool.Exec(ctx2, `DELETE FROM photos WHERE request_id = $1`, created.ID)
		pool.Exec(ctx2, `DELETE FROM requests WHERE id = $1`, created.ID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2, $3)`, creatorID, agentID, strangerID)
	})

	params := SubmitParams{
		RequestID:   created.ID,
		AgentID:     agentID,
		StoragePath: fmt.Sprintf("%s/%s.jpg", created.ID, agentID),
		TakenLat:    40.7,
		TakenLng:    -74.0,
	}

	// No delivery while the request is still open.
	if _, err := photoSvc.Submit(ctx, params); !errors.Is(err, ErrNotLockedByCaller) {
		t.Fatalf("expected ErrNotLockedByCaller before claim, got %v", err)
	}

	if _, err := requestSvc.Claim(ctx, created.ID, agentID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Only the lock holder may deliver.
	stranger := params
	stranger.AgentID = strangerID
	if _, err := photoSvc.Submit(ctx, stranger); !errors.Is(err, ErrNotLockedByCaller) {
		t.Fatalf("expected ErrNotLockedByCaller for stranger, got %v", err)
	}

	first, err := photoSvc.Submit(ctx, params)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Status != StatusPending {
		t.Fatalf("expected pending photo, got %s", first.Status)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM requests WHERE id = $1`, created.ID).Scan(&status); err != nil {
		t.Fatalf("verify request: %v", err)
	}
	if status != "fulfilled" {
		t.Fatalf("expected fulfilled request, got %s", status)
	}

	// A retried upload replays the existing delivery without a second event.
	second, err := photoSvc.Submit(ctx, params)
	if err != nil {
		t.Fatalf("idempotent submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same photo on replay, got %s and %s", first.ID, second.ID)
	}

	var submittedEvents, photoRows int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'photo.submitted' AND payload->>'request_id' = $1`, created.ID).Scan(&submittedEvents); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM photos WHERE request_id = $1`, created.ID).Scan(&photoRows); err != nil {
		t.Fatalf("verify photos: %v", err)
	}
	if submittedEvents != 1 || photoRows != 1 {
		t.Fatalf("expected 1 event and 1 photo row, got %d events / %d rows", submittedEvents, photoRows)
	}

	active, err := photoSvc.ActiveForRequest(ctx, created.ID)
	if err != nil {
		t.Fatalf("active for request: %v", err)
	}
	if active.ID != first.ID {
		t.Fatalf("expected active photo %s, got %s", first.ID, active.ID)
	}
}
