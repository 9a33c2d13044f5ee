package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/platform/auth"
	pstorage "github.com/eventgate/api/internal/platform/storage"
	"github.com/eventgate/api/internal/repositories"
)

const (
	scanEventValidated   = "ticket.validated"
	scanEventAuditError  = "ticket.audit.error"
	scanEventNotesError  = "ticket.notes.error"
	scanEventPassError   = "ticket.pass_url.error"
	scanStatusValidated  = "validated"
	maxScannerFieldBytes = 256

	passURLExpiry = 15 * time.Minute
)

var (
	// ErrTicketInvalidInput signals a malformed validation request.
	ErrTicketInvalidInput = errors.New("tickets: invalid input")
	// ErrNotAdmin indicates the caller lacks the admin role.
	ErrNotAdmin = errors.New("tickets: admin role required")
	// ErrTicketNotFound indicates no ticket exists for the number.
	ErrTicketNotFound = errors.New("tickets: ticket not found")
	// ErrAlreadyValidated indicates the one-shot transition already happened.
	ErrAlreadyValidated = errors.New("tickets: ticket already validated")
	// ErrOutOfWindow indicates the scan happened outside the validity window.
	ErrOutOfWindow = errors.New("tickets: outside validity window")
	// ErrTicketForbidden indicates the caller may not read this ticket.
	ErrTicketForbidden = errors.New("tickets: access denied")
)

// ValidateCommand describes one admission scan attempt.
type ValidateCommand struct {
	TicketNumber string
	Identity     *auth.Identity
	Scanner      domain.ScannerInfo
	Now          time.Time
}

// TicketStatusView is the read-only status projection returned to scanners
// and ticket owners.
type TicketStatusView struct {
	TicketNumber   string
	Name           string
	EventID        string
	Status         domain.TicketStatus
	Valid          bool
	ValidFrom      time.Time
	ValidUntil     time.Time
	ValidatedAt    *time.Time
	CanValidate    bool
	AdmissionNotes string
	PassURL        string
}

// ScanQuery selects a page of audit records for one ticket.
type ScanQuery struct {
	TicketNumber string
	Identity     *auth.Identity
	Pager        domain.Pagination
}

// TicketValidator owns the active -> validated transition of a fulfillment
// record and its audit trail.
type TicketValidator interface {
	Validate(ctx context.Context, cmd ValidateCommand) (domain.Ticket, domain.ScanRecord, error)
	Status(ctx context.Context, ticketNumber string, identity *auth.Identity) (TicketStatusView, error)
	ListScans(ctx context.Context, query ScanQuery) (domain.CursorPage[domain.ScanRecord], error)
}

// PassSigner mints signed download URLs for rendered pass artifacts.
// *pstorage.Client satisfies it.
type PassSigner interface {
	SignedURL(ctx context.Context, bucket, object string, opts pstorage.SignedURLOptions) (pstorage.SignedURLResult, error)
}

// TicketValidatorDeps bundles collaborators for NewTicketValidator. Catalog,
// Signer and PassBucket are optional enrichments of the status readout.
type TicketValidatorDeps struct {
	Tickets    repositories.TicketRepository
	Scans      repositories.ScanRepository
	Catalog    repositories.CatalogRepository
	Signer     PassSigner
	PassBucket string
	Clock      func() time.Time
	IDGen      func() string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type ticketValidator struct {
	tickets    repositories.TicketRepository
	scans      repositories.ScanRepository
	catalog    repositories.CatalogRepository
	signer     PassSigner
	passBucket string
	clock      func() time.Time
	idGen      func() string
	logger     func(context.Context, string, map[string]any)

	notesPolicy   *bluemonday.Policy
	scannerPolicy *bluemonday.Policy
}

// NewTicketValidator wires dependencies into a TicketValidator implementation.
func NewTicketValidator(deps TicketValidatorDeps) (TicketValidator, error) {
	if deps.Tickets == nil {
		return nil, errors.New("ticket validator: ticket repository is required")
	}
	if deps.Scans == nil {
		return nil, errors.New("ticket validator: scan repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &ticketValidator{
		tickets:    deps.Tickets,
		scans:      deps.Scans,
		catalog:    deps.Catalog,
		signer:     deps.Signer,
		passBucket: strings.TrimSpace(deps.PassBucket),
		clock: func() time.Time {
			return clock().UTC()
		},
		idGen:         idGen,
		logger:        logger,
		notesPolicy:   bluemonday.UGCPolicy(),
		scannerPolicy: bluemonday.StrictPolicy(),
	}, nil
}

func (v *ticketValidator) Validate(ctx context.Context, cmd ValidateCommand) (domain.Ticket, domain.ScanRecord, error) {
	number := strings.TrimSpace(cmd.TicketNumber)
	if number == "" {
		return domain.Ticket{}, domain.ScanRecord{}, fmt.Errorf("%w: ticket number is required", ErrTicketInvalidInput)
	}
	if !cmd.Identity.HasRole(auth.RoleAdmin) {
		return domain.Ticket{}, domain.ScanRecord{}, ErrNotAdmin
	}

	now := cmd.Now
	if now.IsZero() {
		now = v.clock()
	} else {
		now = now.UTC()
	}

	ticket, err := v.tickets.Mutate(ctx, number, func(current domain.Ticket) (domain.Ticket, error) {
		if current.Status != domain.TicketStatusActive {
			return domain.Ticket{}, fmt.Errorf("%w: validated at %v", ErrAlreadyValidated, current.ValidatedAt)
		}
		if !current.InWindow(now) {
			return domain.Ticket{}, fmt.Errorf("%w: window %v to %v", ErrOutOfWindow, current.ValidFrom, current.ValidUntil)
		}
		current.Status = domain.TicketStatusValidated
		current.Valid = false
		current.ValidatedAt = &now
		current.ValidatedBy = cmd.Identity.UID
		return current, nil
	})
	if err != nil {
		return domain.Ticket{}, domain.ScanRecord{}, v.mapRepositoryError(err)
	}

	v.logger(ctx, scanEventValidated, map[string]any{
		"ticketNumber": ticket.TicketNumber,
		"validatedBy":  ticket.ValidatedBy,
	})

	// The transition is already durable; a lost audit row is logged, not
	// allowed to fail the scan.
	record := domain.ScanRecord{
		ID:         v.idGen(),
		TicketID:   ticket.TicketNumber,
		UserID:     ticket.UserID,
		TicketName: ticket.Name,
		EventID:    ticket.EventID,
		ScannedAt:  now,
		ScannedBy:  cmd.Identity.UID,
		ScannerInfo: domain.ScannerInfo{
			UserAgent: v.sanitizeScannerField(cmd.Scanner.UserAgent),
			IP:        v.sanitizeScannerField(cmd.Scanner.IP),
		},
		ValidationStatus: scanStatusValidated,
	}
	stored, err := v.scans.Append(ctx, record)
	if err != nil {
		v.logger(ctx, scanEventAuditError, map[string]any{
			"ticketNumber": ticket.TicketNumber,
			"error":        err.Error(),
		})
		return ticket, record, nil
	}
	return ticket, stored, nil
}

func (v *ticketValidator) Status(ctx context.Context, ticketNumber string, identity *auth.Identity) (TicketStatusView, error) {
	number := strings.TrimSpace(ticketNumber)
	if number == "" {
		return TicketStatusView{}, fmt.Errorf("%w: ticket number is required", ErrTicketInvalidInput)
	}

	ticket, err := v.tickets.FindByNumber(ctx, number)
	if err != nil {
		return TicketStatusView{}, v.mapRepositoryError(err)
	}
	if identity == nil || (!identity.HasRole(auth.RoleAdmin) && identity.UID != ticket.UserID) {
		return TicketStatusView{}, ErrTicketForbidden
	}

	now := v.clock()
	view := TicketStatusView{
		TicketNumber: ticket.TicketNumber,
		Name:         ticket.Name,
		EventID:      ticket.EventID,
		Status:       ticket.Status,
		Valid:        ticket.Valid,
		ValidFrom:    ticket.ValidFrom,
		ValidUntil:   ticket.ValidUntil,
		ValidatedAt:  ticket.ValidatedAt,
		CanValidate:  ticket.Status == domain.TicketStatusActive && ticket.InWindow(now),
	}

	view.AdmissionNotes = v.admissionNotes(ctx, ticket)
	view.PassURL = v.passURL(ctx, ticket)
	return view, nil
}

func (v *ticketValidator) ListScans(ctx context.Context, query ScanQuery) (domain.CursorPage[domain.ScanRecord], error) {
	number := strings.TrimSpace(query.TicketNumber)
	if number == "" {
		return domain.CursorPage[domain.ScanRecord]{}, fmt.Errorf("%w: ticket number is required", ErrTicketInvalidInput)
	}
	if !query.Identity.HasRole(auth.RoleAdmin) {
		return domain.CursorPage[domain.ScanRecord]{}, ErrNotAdmin
	}

	page, err := v.scans.ListByTicket(ctx, number, query.Pager)
	if err != nil {
		return domain.CursorPage[domain.ScanRecord]{}, v.mapRepositoryError(err)
	}
	return page, nil
}

func (v *ticketValidator) admissionNotes(ctx context.Context, ticket domain.Ticket) string {
	if v.catalog == nil || ticket.ProductRef == "" {
		return ""
	}
	product, err := v.catalog.GetProduct(ctx, ticket.ProductRef)
	if err != nil {
		v.logger(ctx, scanEventNotesError, map[string]any{
			"ticketNumber": ticket.TicketNumber,
			"productId":    ticket.ProductRef,
			"error":        err.Error(),
		})
		return ""
	}
	return strings.TrimSpace(v.notesPolicy.Sanitize(product.AdmissionNotes))
}

func (v *ticketValidator) passURL(ctx context.Context, ticket domain.Ticket) string {
	if v.signer == nil || v.passBucket == "" {
		return ""
	}
	object, err := pstorage.BuildObjectPath(pstorage.PurposeTicketPass, pstorage.PathParams{TicketNumber: ticket.TicketNumber})
	if err != nil {
		v.logger(ctx, scanEventPassError, map[string]any{
			"ticketNumber": ticket.TicketNumber,
			"error":        err.Error(),
		})
		return ""
	}
	result, err := v.signer.SignedURL(ctx, v.passBucket, object, pstorage.SignedURLOptions{
		Download: &pstorage.DownloadOptions{
			Method:         "GET",
			ExpiresIn:      passURLExpiry,
			AllowAnonymous: true,
		},
	})
	if err != nil {
		v.logger(ctx, scanEventPassError, map[string]any{
			"ticketNumber": ticket.TicketNumber,
			"error":        err.Error(),
		})
		return ""
	}
	return result.URL
}

func (v *ticketValidator) sanitizeScannerField(value string) string {
	clean := strings.TrimSpace(v.scannerPolicy.Sanitize(value))
	if len(clean) > maxScannerFieldBytes {
		clean = clean[:maxScannerFieldBytes]
	}
	return clean
}

func (v *ticketValidator) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrTicketNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("tickets: repository unavailable: %w", err)
		}
	}
	return err
}
