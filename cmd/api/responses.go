package main

import (
	"time"

	"photodrop/auth"
	"photodrop/dispute"
	"photodrop/photo"
	"photodrop/request"
)

type createRequestBody struct {
	Title      string  `json:"title"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	PriceCents int64   `json:"priceCents"`
}

type submitPhotoBody struct {
	StoragePath string  `json:"storagePath"`
	ImageBase64 []byte  `json:"imageBase64"`
	ContentType string  `json:"contentType"`
	TakenLat    float64 `json:"takenLat"`
	TakenLng    float64 `json:"takenLng"`
}

type reportPhotoBody struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type updateDisputeBody struct {
	Action   string `json:"action"`
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type requestResponse struct {
	ID         string  `json:"id"`
	CreatorID  string  `json:"creatorId"`
	Title      string  `json:"title"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	PriceCents int64   `json:"priceCents"`
	Status     string  `json:"status"`
	AgentID    *string `json:"agentId,omitempty"`
	LockedAt   *string `json:"lockedAt,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

func toRequestResponse(req request.Request) requestResponse {
	resp := requestResponse{
		ID:         req.ID,
		CreatorID:  req.CreatorID,
		Title:      req.Title,
		Lat:        req.Lat,
		Lng:        req.Lng,
		PriceCents: req.PriceCents,
		Status:     string(req.Status),
		AgentID:    req.AgentID,
		CreatedAt:  req.CreatedAt.Format(time.RFC3339),
	}
	if req.LockedAt != nil {
		formatted := req.LockedAt.Format(time.RFC3339)
		resp.LockedAt = &formatted
	}
	return resp
}

type leaseResponse struct {
	RequestID  string `json:"requestId"`
	AgentID    string `json:"agentId"`
	PriceCents int64  `json:"priceCents"`
	LockedAt   string `json:"lockedAt"`
}

type photoResponse struct {
	ID        string  `json:"id"`
	RequestID string  `json:"requestId"`
	AgentID   string  `json:"agentId"`
	Status    string  `json:"status"`
	TakenLat  float64 `json:"takenLat"`
	TakenLng  float64 `json:"takenLng"`
	CreatedAt string  `json:"createdAt"`
}

func toPhotoResponse(p photo.Photo) photoResponse {
	return photoResponse{
		ID:        p.ID,
		RequestID: p.RequestID,
		AgentID:   p.AgentID,
		Status:    string(p.Status),
		TakenLat:  p.TakenLat,
		TakenLng:  p.TakenLng,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

type sessionResponse struct {
	PhotoID        string `json:"photoId"`
	URL            string `json:"url,omitempty"`
	ExpiresAt      string `json:"expiresAt"`
	AlreadyExpired bool   `json:"alreadyExpired"`
}

type remainingResponse struct {
	State            string `json:"state"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

type disputeResponse struct {
	ID              string  `json:"id"`
	PhotoID         string  `json:"photoId"`
	RequestID       string  `json:"requestId"`
	Reason          string  `json:"reason"`
	Status          string  `json:"status"`
	ResolutionNotes string  `json:"resolutionNotes,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	ResolvedAt      *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:              rec.ID,
		PhotoID:         rec.PhotoID,
		RequestID:       rec.RequestID,
		Reason:          string(rec.Reason),
		Status:          string(rec.Status),
		ResolutionNotes: rec.ResolutionNotes,
		CreatedAt:       rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		formatted := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &formatted
	}
	return resp
}

type reviewItemResponse struct {
	disputeResponse
	StoragePath  string `json:"storagePath"`
	AgentID      string `json:"agentId"`
	CreatorID    string `json:"creatorId"`
	PriceCents   int64  `json:"priceCents"`
	RequestTitle string `json:"requestTitle"`
}

func toReviewItemResponse(item dispute.ReviewItem) reviewItemResponse {
	return reviewItemResponse{
		disputeResponse: toDisputeResponse(item.Record),
		StoragePath:     item.StoragePath,
		AgentID:         item.AgentID,
		CreatorID:       item.CreatorID,
		PriceCents:      item.PriceCents,
		RequestTitle:    item.RequestTitle,
	}
}
