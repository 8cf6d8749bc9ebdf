package request

import "time"

// Status is the closed set of request lifecycle states.
type Status string

const (
	StatusOpen            Status = "open"
	StatusLocked          Status = "locked"
	StatusFulfilled       Status = "fulfilled"
	StatusDisputed        Status = "disputed"
	StatusResolvedAgent   Status = "resolved_agent"
	StatusResolvedCreator Status = "resolved_creator"
	StatusCancelled       Status = "cancelled"
)

// transitions is the single authoritative table; every writer consults it
// instead of comparing status strings inline.
var transitions = map[Status][]Status{
	StatusOpen:      {StatusLocked, StatusCancelled},
	StatusLocked:    {StatusOpen, StatusFulfilled},
	StatusFulfilled: {StatusDisputed},
	StatusDisputed:  {StatusResolvedAgent, StatusOpen},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Request mirrors the requests table.
type Request struct {
	ID         string
	CreatorID  string
	Title      string
	Lat        float64
	Lng        float64
	PriceCents int64
	Status     Status
	AgentID    *string
	LockedAt   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Lease is the proof of a successful claim returned to the agent.
type Lease struct {
	RequestID  string
	AgentID    string
	PriceCents int64
	LockedAt   time.Time
}
