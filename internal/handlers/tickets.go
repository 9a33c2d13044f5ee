package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/platform/auth"
	"github.com/eventgate/api/internal/platform/httpx"
	"github.com/eventgate/api/internal/services"
)

const maxScanPageSize = 100

// TicketHandlers exposes the entry-gate endpoints: one-shot validation for
// admins, status readout for owners, and the per-ticket scan log.
type TicketHandlers struct {
	authn   *auth.Authenticator
	tickets services.TicketValidator
	logger  func(context.Context, string, map[string]any)
}

// TicketOption customises ticket handler construction.
type TicketOption func(*TicketHandlers)

// WithTicketLogger wires a structured logging callback.
func WithTicketLogger(logger func(context.Context, string, map[string]any)) TicketOption {
	return func(h *TicketHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewTicketHandlers constructs ticket handlers guarded by bearer authentication.
func NewTicketHandlers(authn *auth.Authenticator, tickets services.TicketValidator, opts ...TicketOption) *TicketHandlers {
	h := &TicketHandlers{
		authn:   authn,
		tickets: tickets,
		logger:  func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers ticket endpoints under the provided router.
func (h *TicketHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	// Gate scanners have historically issued both verbs for the same action.
	group.Post("/{ticketNumber}/validate", h.validate)
	group.Get("/{ticketNumber}/validate", h.validate)
	group.Get("/{ticketNumber}", h.status)
	group.Get("/{ticketNumber}/scans", h.listScans)
}

type validateTicketResponse struct {
	TicketNumber string `json:"ticketNumber"`
	Status       string `json:"status"`
	Valid        bool   `json:"valid"`
	ValidatedAt  string `json:"validatedAt,omitempty"`
	ValidatedBy  string `json:"validatedBy,omitempty"`
	ScanID       string `json:"scanId,omitempty"`
}

type ticketStatusResponse struct {
	TicketNumber   string `json:"ticketNumber"`
	Name           string `json:"name,omitempty"`
	EventID        string `json:"eventId,omitempty"`
	Status         string `json:"status"`
	Valid          bool   `json:"valid"`
	ValidFrom      string `json:"validFrom,omitempty"`
	ValidUntil     string `json:"validUntil,omitempty"`
	ValidatedAt    string `json:"validatedAt,omitempty"`
	CanValidate    bool   `json:"canValidate"`
	AdmissionNotes string `json:"admissionNotes,omitempty"`
	PassURL        string `json:"passUrl,omitempty"`
}

type scanRecordPayload struct {
	ID               string `json:"id"`
	TicketID         string `json:"ticketId"`
	UserID           string `json:"userId,omitempty"`
	TicketName       string `json:"ticketName,omitempty"`
	EventID          string `json:"eventId,omitempty"`
	ScannedAt        string `json:"scannedAt"`
	ScannedBy        string `json:"scannedBy,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`
	IP               string `json:"ip,omitempty"`
	ValidationStatus string `json:"validationStatus,omitempty"`
}

type scanListResponse struct {
	Scans         []scanRecordPayload `json:"scans"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

func (h *TicketHandlers) validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tickets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "ticket validation is not configured", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	ticketNumber := strings.TrimSpace(chi.URLParam(r, "ticketNumber"))
	if ticketNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "ticketNumber is required", http.StatusBadRequest))
		return
	}

	ticket, scan, err := h.tickets.Validate(ctx, services.ValidateCommand{
		TicketNumber: ticketNumber,
		Identity:     identity,
		Scanner: domain.ScannerInfo{
			UserAgent: r.UserAgent(),
			IP:        clientIP(r),
		},
	})
	if err != nil {
		h.writeTicketError(ctx, w, err)
		return
	}

	h.logger(ctx, "tickets.validated", map[string]any{
		"ticketNumber": ticket.TicketNumber,
		"validatedBy":  identity.UID,
	})

	writeJSONResponse(w, http.StatusOK, validateTicketResponse{
		TicketNumber: ticket.TicketNumber,
		Status:       string(ticket.Status),
		Valid:        ticket.Valid,
		ValidatedAt:  formatTimePtr(ticket.ValidatedAt),
		ValidatedBy:  ticket.ValidatedBy,
		ScanID:       scan.ID,
	})
}

func (h *TicketHandlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tickets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "ticket validation is not configured", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	ticketNumber := strings.TrimSpace(chi.URLParam(r, "ticketNumber"))
	if ticketNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "ticketNumber is required", http.StatusBadRequest))
		return
	}

	view, err := h.tickets.Status(ctx, ticketNumber, identity)
	if err != nil {
		h.writeTicketError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, ticketStatusResponse{
		TicketNumber:   view.TicketNumber,
		Name:           view.Name,
		EventID:        view.EventID,
		Status:         string(view.Status),
		Valid:          view.Valid,
		ValidFrom:      formatTime(view.ValidFrom),
		ValidUntil:     formatTime(view.ValidUntil),
		ValidatedAt:    formatTimePtr(view.ValidatedAt),
		CanValidate:    view.CanValidate,
		AdmissionNotes: view.AdmissionNotes,
		PassURL:        view.PassURL,
	})
}

func (h *TicketHandlers) listScans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tickets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "ticket validation is not configured", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	ticketNumber := strings.TrimSpace(chi.URLParam(r, "ticketNumber"))
	if ticketNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "ticketNumber is required", http.StatusBadRequest))
		return
	}

	pageSize := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxScanPageSize {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageSize must be between 1 and 100", http.StatusBadRequest))
			return
		}
		pageSize = parsed
	}

	page, err := h.tickets.ListScans(ctx, services.ScanQuery{
		TicketNumber: ticketNumber,
		Identity:     identity,
		Pager: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(r.URL.Query().Get("pageToken")),
		},
	})
	if err != nil {
		h.writeTicketError(ctx, w, err)
		return
	}

	payload := scanListResponse{
		Scans:         make([]scanRecordPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, record := range page.Items {
		payload.Scans = append(payload.Scans, scanRecordPayload{
			ID:               record.ID,
			TicketID:         record.TicketID,
			UserID:           record.UserID,
			TicketName:       record.TicketName,
			EventID:          record.EventID,
			ScannedAt:        formatTime(record.ScannedAt),
			ScannedBy:        record.ScannedBy,
			UserAgent:        record.ScannerInfo.UserAgent,
			IP:               record.ScannerInfo.IP,
			ValidationStatus: record.ValidationStatus,
		})
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *TicketHandlers) writeTicketError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrTicketInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotAdmin):
		httpx.WriteError(ctx, w, httpx.NewError("not_admin", "admin role required", http.StatusForbidden))
	case errors.Is(err, services.ErrTicketNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("ticket_not_found", "ticket not found", http.StatusNotFound))
	case errors.Is(err, services.ErrAlreadyValidated):
		httpx.WriteError(ctx, w, httpx.NewError("already_validated", "ticket has already been validated", http.StatusBadRequest))
	case errors.Is(err, services.ErrOutOfWindow):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_window", "ticket is outside its validity window", http.StatusBadRequest))
	case errors.Is(err, services.ErrTicketForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "ticket belongs to another user", http.StatusForbidden))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("processing_error", "failed to process ticket request", http.StatusInternalServerError))
	}
}
