package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/platform/auth"
	"github.com/eventgate/api/internal/services"
)

type stubTicketValidator struct {
	validateFunc func(ctx context.Context, cmd services.ValidateCommand) (domain.Ticket, domain.ScanRecord, error)
	statusFunc   func(ctx context.Context, ticketNumber string, identity *auth.Identity) (services.TicketStatusView, error)
	scansFunc    func(ctx context.Context, query services.ScanQuery) (domain.CursorPage[domain.ScanRecord], error)
}

func (s *stubTicketValidator) Validate(ctx context.Context, cmd services.ValidateCommand) (domain.Ticket, domain.ScanRecord, error) {
	if s.validateFunc == nil {
		return domain.Ticket{}, domain.ScanRecord{}, nil
	}
	return s.validateFunc(ctx, cmd)
}

func (s *stubTicketValidator) Status(ctx context.Context, ticketNumber string, identity *auth.Identity) (services.TicketStatusView, error) {
	if s.statusFunc == nil {
		return services.TicketStatusView{}, nil
	}
	return s.statusFunc(ctx, ticketNumber, identity)
}

func (s *stubTicketValidator) ListScans(ctx context.Context, query services.ScanQuery) (domain.CursorPage[domain.ScanRecord], error) {
	if s.scansFunc == nil {
		return domain.CursorPage[domain.ScanRecord]{}, nil
	}
	return s.scansFunc(ctx, query)
}

func newTicketRouter(tickets services.TicketValidator) chi.Router {
	router := chi.NewRouter()
	handler := NewTicketHandlers(nil, tickets)
	handler.Routes(router)
	return router
}

func TestTicketHandlersValidateSuccess(t *testing.T) {
	validatedAt := time.Date(2025, 6, 1, 18, 5, 0, 0, time.UTC)
	var captured services.ValidateCommand
	tickets := &stubTicketValidator{
		validateFunc: func(_ context.Context, cmd services.ValidateCommand) (domain.Ticket, domain.ScanRecord, error) {
			captured = cmd
			return domain.Ticket{
					TicketNumber: cmd.TicketNumber,
					Status:       domain.TicketStatusValidated,
					Valid:        false,
					ValidatedAt:  &validatedAt,
					ValidatedBy:  "admin-1",
				}, domain.ScanRecord{ID: "scan-1", TicketID: cmd.TicketNumber}, nil
		},
	}
	router := newTicketRouter(tickets)

	req := authenticatedRequest(http.MethodPost, "/TCKT-ABC123/validate", "", &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})
	req.Header.Set("User-Agent", "gate-scanner/2.1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp validateTicketResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TicketNumber != "TCKT-ABC123" {
		t.Fatalf("expected ticket number echoed, got %s", resp.TicketNumber)
	}
	if resp.Status != string(domain.TicketStatusValidated) {
		t.Fatalf("expected validated status, got %s", resp.Status)
	}
	if resp.ScanID != "scan-1" {
		t.Fatalf("expected scan id scan-1, got %s", resp.ScanID)
	}

	if captured.Scanner.UserAgent != "gate-scanner/2.1" {
		t.Fatalf("expected scanner user agent forwarded, got %q", captured.Scanner.UserAgent)
	}
	if captured.Identity == nil || captured.Identity.UID != "admin-1" {
		t.Fatalf("expected identity forwarded")
	}
}

func TestTicketHandlersValidateAcceptsGet(t *testing.T) {
	called := false
	tickets := &stubTicketValidator{
		validateFunc: func(_ context.Context, cmd services.ValidateCommand) (domain.Ticket, domain.ScanRecord, error) {
			called = true
			return domain.Ticket{TicketNumber: cmd.TicketNumber, Status: domain.TicketStatusValidated}, domain.ScanRecord{}, nil
		},
	}
	router := newTicketRouter(tickets)

	req := authenticatedRequest(http.MethodGet, "/TCKT-ABC123/validate", "", &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !called {
		t.Fatalf("expected GET verb to reach the validator")
	}
}

func TestTicketHandlersValidateErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"not admin", services.ErrNotAdmin, "not_admin", http.StatusForbidden},
		{"not found", services.ErrTicketNotFound, "ticket_not_found", http.StatusNotFound},
		{"already validated", services.ErrAlreadyValidated, "already_validated", http.StatusBadRequest},
		{"out of window", services.ErrOutOfWindow, "out_of_window", http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tickets := &stubTicketValidator{
				validateFunc: func(context.Context, services.ValidateCommand) (domain.Ticket, domain.ScanRecord, error) {
					return domain.Ticket{}, domain.ScanRecord{}, tc.err
				},
			}
			router := newTicketRouter(tickets)

			req := authenticatedRequest(http.MethodPost, "/TCKT-ABC123/validate", "", &auth.Identity{UID: "user-1"})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON body: %v", err)
			}
			if body["error"] != tc.wantCode {
				t.Fatalf("expected error %s, got %v", tc.wantCode, body["error"])
			}
		})
	}
}

func TestTicketHandlersStatus(t *testing.T) {
	validFrom := time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC)
	tickets := &stubTicketValidator{
		statusFunc: func(_ context.Context, ticketNumber string, identity *auth.Identity) (services.TicketStatusView, error) {
			return services.TicketStatusView{
				TicketNumber:   ticketNumber,
				Name:           "General Admission",
				Status:         domain.TicketStatusActive,
				Valid:          true,
				ValidFrom:      validFrom,
				CanValidate:    true,
				AdmissionNotes: "Doors at 6pm",
				PassURL:        "https://signed.example/passes/TCKT-ABC123.pdf",
			}, nil
		},
	}
	router := newTicketRouter(tickets)

	req := authenticatedRequest(http.MethodGet, "/TCKT-ABC123", "", &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp ticketStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.CanValidate {
		t.Fatalf("expected canValidate true")
	}
	if resp.AdmissionNotes != "Doors at 6pm" {
		t.Fatalf("expected admission notes, got %q", resp.AdmissionNotes)
	}
	if resp.PassURL == "" {
		t.Fatalf("expected pass url present")
	}
}

func TestTicketHandlersStatusForbidden(t *testing.T) {
	tickets := &stubTicketValidator{
		statusFunc: func(context.Context, string, *auth.Identity) (services.TicketStatusView, error) {
			return services.TicketStatusView{}, services.ErrTicketForbidden
		},
	}
	router := newTicketRouter(tickets)

	req := authenticatedRequest(http.MethodGet, "/TCKT-ABC123", "", &auth.Identity{UID: "stranger"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestTicketHandlersListScans(t *testing.T) {
	scannedAt := time.Date(2025, 6, 1, 18, 5, 0, 0, time.UTC)
	var captured services.ScanQuery
	tickets := &stubTicketValidator{
		scansFunc: func(_ context.Context, query services.ScanQuery) (domain.CursorPage[domain.ScanRecord], error) {
			captured = query
			return domain.CursorPage[domain.ScanRecord]{
				Items: []domain.ScanRecord{
					{
						ID:               "scan-1",
						TicketID:         query.TicketNumber,
						ScannedAt:        scannedAt,
						ScannedBy:        "admin-1",
						ScannerInfo:      domain.ScannerInfo{UserAgent: "gate-scanner/2.1", IP: "10.0.0.5"},
						ValidationStatus: "validated",
					},
				},
				NextPageToken: "next-token",
			}, nil
		},
	}
	router := newTicketRouter(tickets)

	req := authenticatedRequest(http.MethodGet, "/TCKT-ABC123/scans?pageSize=10&pageToken=tok", "", &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp scanListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Scans) != 1 || resp.Scans[0].ID != "scan-1" {
		t.Fatalf("unexpected scan list %#v", resp.Scans)
	}
	if resp.NextPageToken != "next-token" {
		t.Fatalf("expected next page token, got %q", resp.NextPageToken)
	}

	if captured.Pager.PageSize != 10 || captured.Pager.PageToken != "tok" {
		t.Fatalf("expected pagination forwarded, got %#v", captured.Pager)
	}
}

func TestTicketHandlersListScansInvalidPageSize(t *testing.T) {
	router := newTicketRouter(&stubTicketValidator{})

	req := authenticatedRequest(http.MethodGet, "/TCKT-ABC123/scans?pageSize=1000", "", &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestTicketHandlersUnauthenticated(t *testing.T) {
	router := newTicketRouter(&stubTicketValidator{})

	req := authenticatedRequest(http.MethodPost, "/TCKT-ABC123/validate", "", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
