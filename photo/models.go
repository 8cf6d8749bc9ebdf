package photo

import "time"

// Status represents the review lifecycle of a delivered photo.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Photo mirrors the photos table. The view_* columns are owned by the
// viewsession package and never written here.
type Photo struct {
	ID            string
	RequestID     string
	AgentID       string
	StoragePath   string
	TakenLat      float64
	TakenLng      float64
	Status        Status
	ViewStartedAt *time.Time
	ViewExpiresAt *time.Time
	ViewRevokedAt *time.Time
	CreatedAt     time.Time
}
