package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"finsync/internal/domain/enrollment"
	"finsync/internal/domain/openfinance"
	"finsync/internal/infrastructure/connector"
)

func TestHandleConnect(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		connectFunc    func(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error)
		expectedStatus int
	}{
		{
			name: "New enrollment",
			body: `{"provider":"Teller","enrollment":{"accessToken":"tok","enrollment":{"id":"enr_x"}}}`,
			connectFunc: func(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error) {
				if provider != "teller" {
					t.Errorf("provider = %q, want lowercased teller", provider)
				}
				if !strings.Contains(string(raw), `"accessToken":"tok"`) {
					t.Errorf("payload not passed through: %s", raw)
				}
				return &openfinance.ConnectResult{EnrollmentID: "enr-1", Accounts: 2}, nil
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "Relink",
			body: `{"provider":"plaid","enrollment":{"public_token":"public-sandbox-1"}}`,
			connectFunc: func(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error) {
				return &openfinance.ConnectResult{EnrollmentID: "enr-1", Relinked: true}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Missing provider",
			body:           `{"enrollment":{}}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Missing enrollment",
			body:           `{"provider":"teller"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "Unknown provider",
			body: `{"provider":"mx","enrollment":{}}`,
			connectFunc: func(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error) {
				return nil, fmt.Errorf("%w: %s", connector.ErrUnknownProvider, provider)
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "Linked to another user",
			body: `{"provider":"teller","enrollment":{}}`,
			connectFunc: func(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error) {
				return nil, openfinance.ErrEnrollmentConflict
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "Institution rejected token",
			body: `{"provider":"teller","enrollment":{}}`,
			connectFunc: func(ctx context.Context, userID int64, provider string, raw json.RawMessage) (*openfinance.ConnectResult, error) {
				return nil, fmt.Errorf("failed to exchange enrollment: %w", connector.ErrUnauthorized)
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewEnrollmentHandler(&MockEnrollmentService{ConnectFunc: tt.connectFunc})

			req := withRequestContext(httptest.NewRequest(http.MethodPost, "/api/enrollments", strings.NewReader(tt.body)), 1)
			rr := httptest.NewRecorder()
			handler.HandleConnect(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
		})
	}
}

func TestHandleListEnrollments(t *testing.T) {
	handler := NewEnrollmentHandler(&MockEnrollmentService{
		ListFunc: func(ctx context.Context, userID int64) ([]*enrollment.Enrollment, error) {
			return []*enrollment.Enrollment{{
				ID:                  "enr-1",
				UserID:              userID,
				Provider:            "teller",
				EncryptedCredential: "sealed-secret",
				Status:              enrollment.StatusActive,
			}}, nil
		},
	})

	req := withRequestContext(httptest.NewRequest(http.MethodGet, "/api/enrollments", nil), 1)
	rr := httptest.NewRecorder()
	handler.HandleListEnrollments(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if strings.Contains(rr.Body.String(), "sealed-secret") {
		t.Error("credential must never be serialized")
	}
}
