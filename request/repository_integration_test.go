package request

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"photodrop/outbox"
)

// TestClaimLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the claim race, release, and cancel paths end to end.
func TestClaimLifecycle_Integration(t *testing.T) {
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

	if !tableExists(ctx, t, pool, "users") || !tableExists(ctx, t, pool, "requests") || !tableExists(ctx, t, pool, "outbox") {
		t.Skip("database schema missing; apply migrations/001_schema.sql first")
	}

	nonce := time.Now().UnixNano()
	seedUser := func(role string, idx int) string {
		var id string
		err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id`,
			fmt.Sprintf("itest-%s-%d-%d@example.com", role, idx, nonce), "Integration Tester", role,
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s user: %v", role, err)
		}
		return id
	}

	creatorID := seedUser("requester", 0)
	const agents = 8
	agentIDs := make([]string, agents)
	for i := range agentIDs {
		agentIDs[i] = seedUser("agent", i+1)
	}

	svc := NewService(pool, NewRepository(pool), outbox.NewWriter())

	created, err := svc.Create(ctx, CreateParams{
		CreatorID:  creatorID,
		Title:      fmt.Sprintf("itest corner shot %d", nonce),
		Lat:        40.7,
		Lng:        -74.0,
		PriceCents: 500,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'request_id' = $1`, created.ID)
		pool.Exec(ctx2, `DELETE FROM requests WHERE id = $1`, created.ID)
		for _, id := range agentIDs {
			pool.Exec(ctx2, `DELETE FROM users WHERE id = $1`, id)
		}
		pool.Exec(ctx2, `DELETE FROM users WHERE id = $1`, creatorID)
	})

	// All agents race for the same request; exactly one may win.
	var wins, losses atomic.Int32
	var winner atomic.Value
	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		agentID := agentID
		g.Go(func() error {
			_, err := svc.Claim(gctx, created.ID, agentID)
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(agentID)
				return nil
			case errors.Is(err, ErrAlreadyClaimed):
				losses.Add(1)
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim race: %v", err)
	}
	if wins.Load() != 1 || losses.Load() != agents-1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d losses", wins.Load(), losses.Load())
	}
	winnerID := winner.Load().(string)

	var status string
	var agentID *string
	if err := pool.QueryRow(ctx, `SELECT status::text, agent_id FROM requests WHERE id = $1`, created.ID).Scan(&status, &agentID); err != nil {
		t.Fatalf("verify request row: %v", err)
	}
	if status != "locked" || agentID == nil || *agentID != winnerID {
		t.Fatalf("expected locked by %s, got status=%s agent=%v", winnerID, status, agentID)
	}

	var claimedEvents int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'request.claimed' AND payload->>'request_id' = $1`, created.ID).Scan(&claimedEvents); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if claimedEvents != 1 {
		t.Fatalf("expected 1 request.claimed event, got %d", claimedEvents)
	}

	// A non-holder cannot release.
	var stranger string
	for _, id := range agentIDs {
		if id != winnerID {
			stranger = id
			break
		}
	}
	if err := svc.Release(ctx, created.ID, stranger); !errors.Is(err, ErrNotLockedByCaller) {
		t.Fatalf("expected ErrNotLockedByCaller for stranger release, got %v", err)
	}

	// The holder releases and the request returns to the open pool.
	if err := svc.Release(ctx, created.ID, winnerID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT status::text, agent_id FROM requests WHERE id = $1`, created.ID).Scan(&status, &agentID); err != nil {
		t.Fatalf("verify released row: %v", err)
	}
	if status != "open" || agentID != nil {
		t.Fatalf("expected open/unassigned after release, got status=%s agent=%v", status, agentID)
	}

	// Only the creator may cancel.
	if err := svc.Cancel(ctx, created.ID, stranger); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for stranger cancel, got %v", err)
	}
	if err := svc.Cancel(ctx, created.ID, creatorID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Cancelled is terminal: claiming and cancelling again both fail.
	if _, err := svc.Claim(ctx, created.ID, winnerID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on cancelled request, got %v", err)
	}
	if err := svc.Cancel(ctx, created.ID, creatorID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
