package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/openfinance"
)

// EnrollmentService links institutions and lists a user's links.
type EnrollmentService interface {
	Connect(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error)
	List(ctx context.Context, userID int64) ([]*enrollment.Enrollment, error)
}

type EnrollmentHandler struct {
	enrollments EnrollmentService
}

func NewEnrollmentHandler(enrollments EnrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// ConnectRequest carries the provider's client-side enrollment payload
// (Teller Connect result, Plaid public token) untouched.
type ConnectRequest struct {
	Provider   string          `json:"provider"`
	Enrollment json.RawMessage `json:"enrollment"`
}

// HandleConnect links an institution and runs its first sync.
func (h *EnrollmentHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" || len(req.Enrollment) == 0 {
		writeBadRequest(w, "provider and enrollment are required")
		return
	}

	result, err := h.enrollments.Connect(r.Context(), userID, req.Provider, req.Enrollment)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Relinked {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// HandleListEnrollments returns the user's enrollments.
func (h *EnrollmentHandler) HandleListEnrollments(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	enrollments, err := h.enrollments.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if enrollments == nil {
		enrollments = []*enrollment.Enrollment{}
	}
	writeJSON(w, http.StatusOK, enrollments)
}
