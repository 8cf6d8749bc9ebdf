package viewsession

import "time"

// TTL is the server-enforced viewing window for a delivered photo.
const TTL = 180 * time.Second

// Grant is the persisted view-session state for one photo. The expiry is an
// absolute deadline; any countdown shown to a client is a projection of
// deadline minus now, never independently ticking state.
type Grant struct {
	StartedAt *time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// RemainingState classifies what is left of a grant at a point in time.
type RemainingState int

const (
	NotStarted RemainingState = iota
	Active
	Expired
)

func (s RemainingState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Active:
		return "active"
	default:
		return "expired"
	}
}

// Remaining reports the grant's state at now. It derives truth only from the
// stored deadline: a revoked grant reads as expired, remaining time is never
// negative, and it hits exactly zero at the deadline.
func (g Grant) Remaining(now time.Time) (RemainingState, time.Duration) {
	if g.RevokedAt != nil {
		return Expired, 0
	}
	if g.StartedAt == nil {
		return NotStarted, 0
	}
	if g.ExpiresAt == nil || !now.Before(*g.ExpiresAt) {
		return Expired, 0
	}
	return Active, g.ExpiresAt.Sub(now)
}

// StartResult is the outcome of a start call.
type StartResult struct {
	ExpiresAt      time.Time
	AlreadyExpired bool
	// Issued is true when this call created a fresh window (and the caller
	// must persist the new grant).
	Issued bool
}

// start decides what a start call does to the grant without touching
// storage. While an unexpired window exists the existing deadline is
// returned unchanged; a fresh window is issued only for a never-started
// (or freshly reset) grant. An exhausted or revoked grant is terminal until
// an explicit reset.
func (g Grant) start(now time.Time) (StartResult, Grant) {
	state, _ := g.Remaining(now)
	switch state {
	case Active:
		return StartResult{ExpiresAt: *g.ExpiresAt}, g
	case Expired:
		return StartResult{AlreadyExpired: true}, g
	}

	started := now
	expires := now.Add(TTL)
	return StartResult{ExpiresAt: expires, Issued: true}, Grant{
		StartedAt: &started,
		ExpiresAt: &expires,
	}
}
