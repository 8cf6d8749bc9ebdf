package viewsession

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func started(at time.Time) Grant {
	expires := at.Add(TTL)
	return Grant{StartedAt: &at, ExpiresAt: &expires}
}

func TestStart_IssuesFullWindow(t *testing.T) {
	result, next := Grant{}.start(epoch)

	if !result.Issued {
		t.Fatal("expected a fresh window to be issued")
	}
	if result.AlreadyExpired {
		t.Fatal("fresh window must not report expired")
	}
	if want := epoch.Add(TTL); !result.ExpiresAt.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, result.ExpiresAt)
	}
	if next.StartedAt == nil || !next.StartedAt.Equal(epoch) {
		t.Fatalf("expected grant started at %v, got %+v", epoch, next)
	}
}

func TestStart_IdempotentInsideWindow(t *testing.T) {
	grant := started(epoch)

	for _, offset := range []time.Duration{time.Second, time.Minute, TTL - time.Second} {
		result, next := grant.start(epoch.Add(offset))
		if result.Issued {
			t.Fatalf("second start at +%v must not issue a new window", offset)
		}
		if !result.ExpiresAt.Equal(epoch.Add(TTL)) {
			t.Fatalf("deadline moved at +%v: got %v", offset, result.ExpiresAt)
		}
		if next.StartedAt == nil || !next.StartedAt.Equal(epoch) {
			t.Fatalf("grant mutated at +%v: %+v", offset, next)
		}
	}
}

func TestStart_AfterDeadlineReportsExpired(t *testing.T) {
	grant := started(epoch)

	for _, offset := range []time.Duration{TTL, TTL + time.Second, 24 * time.Hour} {
		result, _ := grant.start(epoch.Add(offset))
		if !result.AlreadyExpired {
			t.Fatalf("start at +%v should report already expired", offset)
		}
		if result.Issued {
			t.Fatalf("start at +%v must not restart the clock", offset)
		}
	}
}

func TestRemaining_CountsDownToZero(t *testing.T) {
	grant := started(epoch)

	steps := []struct {
		offset time.Duration
		state  RemainingState
		left   time.Duration
	}{
		{0, Active, TTL},
		{60 * time.Second, Active, 120 * time.Second},
		{179 * time.Second, Active, time.Second},
		{TTL, Expired, 0},
		{TTL + time.Hour, Expired, 0},
	}

	prev := TTL + 1
	for _, step := range steps {
		state, left := grant.Remaining(epoch.Add(step.offset))
		if state != step.state || left != step.left {
			t.Fatalf("at +%v: got (%v, %v), want (%v, %v)", step.offset, state, left, step.state, step.left)
		}
		if left < 0 {
			t.Fatalf("remaining went negative at +%v", step.offset)
		}
		if left > prev {
			t.Fatalf("remaining increased at +%v", step.offset)
		}
		prev = left
	}
}

func TestRemaining_NeverStarted(t *testing.T) {
	state, left := Grant{}.Remaining(epoch)
	if state != NotStarted || left != 0 {
		t.Fatalf("expected (NotStarted, 0), got (%v, %v)", state, left)
	}
}

func TestRemaining_RevokedReadsExpired(t *testing.T) {
	revokedAt := epoch
	grant := Grant{RevokedAt: &revokedAt}

	state, left := grant.Remaining(epoch)
	if state != Expired || left != 0 {
		t.Fatalf("expected revoked grant to read (Expired, 0), got (%v, %v)", state, left)
	}

	// Revocation is terminal for start too.
	result, _ := grant.start(epoch)
	if !result.AlreadyExpired || result.Issued {
		t.Fatalf("start on revoked grant should report expired, got %+v", result)
	}
}

func TestStart_AfterFreshResetIssuesNewWindow(t *testing.T) {
	// A fresh reset leaves an empty grant; the next start opens a full window
	// anchored at its own call time, not at the original start.
	later := epoch.Add(time.Hour)
	result, next := Grant{}.start(later)

	if !result.Issued {
		t.Fatal("expected new window after reset")
	}
	if want := later.Add(TTL); !result.ExpiresAt.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, result.ExpiresAt)
	}

	state, left := next.Remaining(later)
	if state != Active || left != TTL {
		t.Fatalf("expected full window, got (%v, %v)", state, left)
	}
}

func TestRemainingState_String(t *testing.T) {
	if NotStarted.String() != "not_started" || Active.String() != "active" || Expired.String() != "expired" {
		t.Fatal("unexpected state strings")
	}
}
