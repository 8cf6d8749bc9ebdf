package dispute

import "time"

// Status represents the lifecycle of a dispute record. Resolved disputes are
// immutable.
type Status string

const (
	StatusOpen            Status = "open"
	StatusUnderReview     Status = "under_review"
	StatusResolvedAgent   Status = "resolved_agent"
	StatusResolvedCreator Status = "resolved_creator"
)

// Resolved reports whether the dispute reached a terminal outcome.
func (s Status) Resolved() bool {
	return s == StatusResolvedAgent || s == StatusResolvedCreator
}

// Reason is the closed set of complaint categories a requester can file.
type Reason string

const (
	ReasonWrongLocation Reason = "wrong_location"
	ReasonPoorQuality   Reason = "poor_quality"
	ReasonWrongSubject  Reason = "wrong_subject"
	ReasonInappropriate Reason = "inappropriate"
	ReasonOther         Reason = "other"
)

// ValidReason reports whether r is a known complaint category.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonWrongLocation, ReasonPoorQuality, ReasonWrongSubject, ReasonInappropriate, ReasonOther:
		return true
	default:
		return false
	}
}

// Decision is an admin's verdict on a dispute.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Record mirrors the disputes table.
type Record struct {
	ID              string
	PhotoID         string
	RequestID       string
	RequesterID     string
	Reason          Reason
	Description     string
	Status          Status
	ResolutionNotes string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// ReviewItem is a dispute with the photo/request context an admin needs.
type ReviewItem struct {
	Record
	StoragePath  string
	AgentID      string
	CreatorID    string
	PriceCents   int64
	RequestTitle string
}
