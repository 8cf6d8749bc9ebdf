package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"photodrop/auth"
	"photodrop/dispute"
	"photodrop/photo"
	"photodrop/request"
	"photodrop/storage"
	"photodrop/viewsession"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// AuthService is the identity boundary the handlers depend on.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// RequestService exposes the request lifecycle.
type RequestService interface {
	Create(ctx context.Context, params request.CreateParams) (request.Request, error)
	Claim(ctx context.Context, requestID, agentID string) (request.Lease, error)
	Release(ctx context.Context, requestID, agentID string) error
	Cancel(ctx context.Context, requestID, creatorID string) error
	Get(ctx context.Context, requestID string) (request.Request, error)
	ListOpen(ctx context.Context, limit int) ([]request.Request, error)
}

// PhotoService records deliveries.
type PhotoService interface {
	Submit(ctx context.Context, params photo.SubmitParams) (photo.Photo, error)
	ActiveForRequest(ctx context.Context, requestID string) (photo.Photo, error)
}

// SessionService manages viewing grants.
type SessionService interface {
	Start(ctx context.Context, photoID, viewerID string) (viewsession.StartOutcome, error)
	Remaining(ctx context.Context, photoID string) (viewsession.RemainingState, time.Duration, error)
}

// DisputeService arbitrates complaints.
type DisputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Record, error)
	MarkUnderReview(ctx context.Context, disputeID string) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
	List(ctx context.Context, status dispute.Status) ([]dispute.ReviewItem, error)
}

// BlobStore uploads photo bytes and mints short-lived signed URLs.
type BlobStore interface {
	Upload(path string, data []byte, contentType string) (string, error)
	SignedURL(path string, ttl time.Duration) (string, error)
}

// Server wires HTTP routes to the domain services.
type Server struct {
	authService    AuthService
	requestService RequestService
	photoService   PhotoService
	sessionService SessionService
	disputeService DisputeService
	blobs          BlobStore
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/requests", s.requireAuth(s.handleRequests))
	mux.HandleFunc("/api/requests/", s.requireAuth(s.handleRequestDetail))
	mux.HandleFunc("/api/photos/", s.requireAuth(s.handlePhotoDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		items, err := s.requestService.ListOpen(r.Context(), limit)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		out := make([]requestResponse, 0, len(items))
		for _, item := range items {
			out = append(out, toRequestResponse(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
	case http.MethodPost:
		if callerRole(r) == auth.RoleAgent {
			writeError(w, http.StatusForbidden, "agents cannot create requests")
			return
		}
		var body createRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if strings.TrimSpace(body.Title) == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		if body.PriceCents <= 0 {
			writeError(w, http.StatusBadRequest, "priceCents must be positive")
			return
		}
		created, err := s.requestService.Create(r.Context(), request.CreateParams{
			CreatorID:  callerID(r),
			Title:      body.Title,
			Lat:        body.Lat,
			Lng:        body.Lng,
			PriceCents: body.PriceCents,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRequestResponse(created))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRequestDetail covers /api/requests/{id} and the lifecycle actions
// /api/requests/{id}/claim|release|cancel|photos.
func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "request id required")
		return
	}
	requestID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		found, err := s.requestService.Get(r.Context(), requestID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(found))
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "unknown route")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "claim":
		s.handleClaim(w, r, requestID)
	case "release":
		s.handleRelease(w, r, requestID)
	case "cancel":
		s.handleCancel(w, r, requestID)
	case "photos":
		s.handleSubmitPhoto(w, r, requestID)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, requestID string) {
	if callerRole(r) != auth.RoleAgent {
		writeError(w, http.StatusForbidden, "only agents can claim requests")
		return
	}
	lease, err := s.requestService.Claim(r.Context(), requestID, callerID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse{
		RequestID:  lease.RequestID,
		AgentID:    lease.AgentID,
		PriceCents: lease.PriceCents,
		LockedAt:   lease.LockedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, requestID string) {
	if callerRole(r) != auth.RoleAgent {
		writeError(w, http.StatusForbidden, "only agents can release requests")
		return
	}
	if err := s.requestService.Release(r.Context(), requestID, callerID(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(request.StatusOpen)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, requestID string) {
	if err := s.requestService.Cancel(r.Context(), requestID, callerID(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(request.StatusCancelled)})
}

func (s *Server) handleSubmitPhoto(w http.ResponseWriter, r *http.Request, requestID string) {
	if callerRole(r) != auth.RoleAgent {
		writeError(w, http.StatusForbidden, "only agents can deliver photos")
		return
	}
	var body submitPhotoBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	agentID := callerID(r)
	storagePath := body.StoragePath
	if len(body.ImageBase64) > 0 {
		path := storage.PathFor(requestID, agentID, time.Now())
		uploaded, err := s.blobs.Upload(path, body.ImageBase64, body.ContentType)
		if err != nil {
			log.Printf("upload photo for request %s: %v", requestID, err)
			writeError(w, http.StatusBadGateway, "photo upload failed")
			return
		}
		storagePath = uploaded
	}

	created, err := s.photoService.Submit(r.Context(), photo.SubmitParams{
		RequestID:   requestID,
		AgentID:     agentID,
		StoragePath: storagePath,
		TakenLat:    body.TakenLat,
		TakenLng:    body.TakenLng,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPhotoResponse(created))
}

// handlePhotoDetail covers /api/photos/{id}/session and /api/photos/{id}/report.
func (s *Server) handlePhotoDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/photos/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "photo id and action required")
		return
	}
	photoID := parts[0]

	switch parts[1] {
	case "session":
		switch r.Method {
		case http.MethodPost:
			s.handleStartSession(w, r, photoID)
		case http.MethodGet:
			s.handleSessionRemaining(w, r, photoID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "report":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleReportPhoto(w, r, photoID)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request, photoID string) {
	outcome, err := s.sessionService.Start(r.Context(), photoID, callerID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := sessionResponse{
		PhotoID:        outcome.PhotoID,
		ExpiresAt:      outcome.ExpiresAt.Format(time.RFC3339),
		AlreadyExpired: outcome.AlreadyExpired,
	}
	if !outcome.AlreadyExpired {
		ttl := time.Until(outcome.ExpiresAt)
		if ttl > 0 {
			url, err := s.blobs.SignedURL(outcome.StoragePath, ttl)
			if err != nil {
				log.Printf("sign url for photo %s: %v", photoID, err)
				writeError(w, http.StatusBadGateway, "signing photo url failed")
				return
			}
			resp.URL = url
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionRemaining(w http.ResponseWriter, r *http.Request, photoID string) {
	state, left, err := s.sessionService.Remaining(r.Context(), photoID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remainingResponse{
		State:            state.String(),
		RemainingSeconds: int64(left / time.Second),
	})
}

func (s *Server) handleReportPhoto(w http.ResponseWriter, r *http.Request, photoID string) {
	var body reportPhotoBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !dispute.ValidReason(dispute.Reason(body.Reason)) {
		writeError(w, http.StatusBadRequest, "unknown report reason")
		return
	}
	rec, err := s.disputeService.Open(r.Context(), dispute.OpenParams{
		PhotoID:     photoID,
		RequesterID: callerID(r),
		Reason:      dispute.Reason(body.Reason),
		Description: body.Description,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	items, err := s.disputeService.List(r.Context(), dispute.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]reviewItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toReviewItemResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	disputeID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	if disputeID == "" || strings.Contains(disputeID, "/") {
		writeError(w, http.StatusBadRequest, "dispute id required")
		return
	}
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	var body updateDisputeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	switch {
	case body.Decision != "":
		if body.Decision != string(dispute.DecisionApprove) && body.Decision != string(dispute.DecisionReject) {
			writeError(w, http.StatusBadRequest, "decision must be approve or reject")
			return
		}
		rec, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
			DisputeID: disputeID,
			Decision:  dispute.Decision(body.Decision),
			Notes:     body.Notes,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	case body.Action == "review":
		rec, err := s.disputeService.MarkUnderReview(r.Context(), disputeID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	default:
		writeError(w, http.StatusBadRequest, "expected decision or action=review")
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, photo.ErrNotFound),
		errors.Is(err, photo.ErrNoDelivery),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, viewsession.ErrPhotoNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, request.ErrAlreadyClaimed),
		errors.Is(err, request.ErrInvalidState),
		errors.Is(err, request.ErrNotLockedByCaller),
		errors.Is(err, photo.ErrNotLockedByCaller),
		errors.Is(err, dispute.ErrDuplicate),
		errors.Is(err, dispute.ErrInvalidState),
		errors.Is(err, dispute.ErrBadStatus),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, request.ErrNotAuthorized),
		errors.Is(err, dispute.ErrNotAuthorized),
		errors.Is(err, viewsession.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
