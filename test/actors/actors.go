package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"photodrop/dispute"
	"photodrop/outbox"
	"photodrop/photo"
	"photodrop/request"
	"photodrop/viewsession"
)

// The actors drive the public services, never raw table writes, so the stress
// run exercises the same code paths as production traffic. Domain errors are
// expected under contention and swallowed; only the stop signals end a loop.

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func sleep(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Creator keeps posting new photo requests.
func Creator(ctx context.Context, svc *request.Service, creatorID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, _ = svc.Create(ctx, request.CreateParams{
			CreatorID:  creatorID,
			Title:      fmt.Sprintf("stress spot %d", rand.Int63()),
			Lat:        40 + rand.Float64(),
			Lng:        -74 + rand.Float64(),
			PriceCents: int64(100 + rand.Intn(900)),
		})
		sleep(50, 100)
	}
	return nil
}

// Claimer races other claimers for open requests and sometimes gives a
// claimed one straight back.
func Claimer(ctx context.Context, svc *request.Service, agentID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		open, err := svc.ListOpen(ctx, 10)
		if err != nil || len(open) == 0 {
			sleep(30, 50)
			continue
		}
		target := open[rand.Intn(len(open))]
		if _, err := svc.Claim(ctx, target.ID, agentID); err == nil && rand.Intn(4) == 0 {
			_ = svc.Release(ctx, target.ID, agentID)
		}
		sleep(20, 40)
	}
	return nil
}

// Submitter delivers photos for every request this agent currently holds.
func Submitter(ctx context.Context, pool *pgxpool.Pool, svc *photo.Service, agentID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		rows, err := pool.Query(ctx, `SELECT id FROM requests WHERE agent_id = $1 AND status = 'locked' LIMIT 5`, agentID)
		if err != nil {
			sleep(50, 50)
			continue
		}
		ids := make([]string, 0, 5)
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			_, _ = svc.Submit(ctx, photo.SubmitParams{
				RequestID:   id,
				AgentID:     agentID,
				StoragePath: fmt.Sprintf("%s/%s_%d.jpg", id, agentID, time.Now().UnixNano()),
				TakenLat:    40 + rand.Float64(),
				TakenLng:    -74 + rand.Float64(),
			})
		}
		sleep(40, 80)
	}
	return nil
}

// Viewer opens and re-opens view sessions on the requester's photos; repeated
// starts inside a window must keep returning the same deadline.
func Viewer(ctx context.Context, pool *pgxpool.Pool, svc *viewsession.Service, viewerID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		rows, err := pool.Query(ctx, `
			SELECT p.id FROM photos p
			JOIN requests r ON r.id = p.request_id
			WHERE r.creator_id = $1 AND p.status <> 'rejected'
			ORDER BY p.created_at DESC LIMIT 3
		`, viewerID)
		if err != nil {
			sleep(60, 60)
			continue
		}
		ids := make([]string, 0, 3)
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			_, _ = svc.Start(ctx, id, viewerID)
			_, _, _ = svc.Remaining(ctx, id)
		}
		sleep(60, 80)
	}
	return nil
}

// Disputer files complaints against fulfilled deliveries.
func Disputer(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, requesterID string, stop <-chan struct{}) error {
	reasons := []dispute.Reason{
		dispute.ReasonWrongLocation,
		dispute.ReasonPoorQuality,
		dispute.ReasonWrongSubject,
		dispute.ReasonOther,
	}
	for !stopped(ctx, stop) {
		var photoID string
		err := pool.QueryRow(ctx, `
			SELECT p.id FROM photos p
			JOIN requests r ON r.id = p.request_id
			WHERE r.creator_id = $1 AND r.status = 'fulfilled' AND p.status <> 'rejected'
			LIMIT 1
		`, requesterID).Scan(&photoID)
		if err == nil {
			_, _ = svc.Open(ctx, dispute.OpenParams{
				PhotoID:     photoID,
				RequesterID: requesterID,
				Reason:      reasons[rand.Intn(len(reasons))],
				Description: "stress complaint",
			})
		}
		sleep(150, 150)
	}
	return nil
}

// Resolver plays admin: picks up pending disputes and rules on them, with an
// occasional duplicate resolve to probe idempotency.
func Resolver(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var disputeID, status string
		err := pool.QueryRow(ctx, `
			SELECT id, status::text FROM disputes
			WHERE status IN ('open','under_review')
			ORDER BY created_at LIMIT 1
		`).Scan(&disputeID, &status)
		if err == nil {
			if status == "open" && rand.Intn(2) == 0 {
				_, _ = svc.MarkUnderReview(ctx, disputeID)
			} else {
				decision := dispute.DecisionApprove
				if rand.Intn(2) == 0 {
					decision = dispute.DecisionReject
				}
				_, _ = svc.Resolve(ctx, dispute.ResolveParams{DisputeID: disputeID, Decision: decision, Notes: "stress ruling"})
				if rand.Intn(3) == 0 {
					_, _ = svc.Resolve(ctx, dispute.ResolveParams{DisputeID: disputeID, Decision: decision})
				}
			}
		}
		sleep(100, 150)
	}
	return nil
}

// OutboxWorker drains committed events, failing a slice of deliveries to
// exercise the retry and dead-letter paths.
func OutboxWorker(ctx context.Context, worker *outbox.Worker, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, _ = worker.DrainOnce(ctx, 20, 5, func(m outbox.Message) error {
			if rand.Intn(10) == 0 {
				return errors.New("simulated delivery failure")
			}
			return nil
		})
		sleep(80, 80)
	}
	return nil
}
