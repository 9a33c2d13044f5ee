package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/platform/auth"
	pstorage "github.com/eventgate/api/internal/platform/storage"
)

type memoryScanRepo struct {
	records []domain.ScanRecord
	fail    error
}

func (m *memoryScanRepo) Append(_ context.Context, record domain.ScanRecord) (domain.ScanRecord, error) {
	if m.fail != nil {
		return domain.ScanRecord{}, m.fail
	}
	m.records = append(m.records, record)
	return record, nil
}

func (m *memoryScanRepo) ListByTicket(_ context.Context, ticketID string, _ domain.Pagination) (domain.CursorPage[domain.ScanRecord], error) {
	if m.fail != nil {
		return domain.CursorPage[domain.ScanRecord]{}, m.fail
	}
	var out []domain.ScanRecord
	for _, record := range m.records {
		if record.TicketID == ticketID {
			out = append(out, record)
		}
	}
	return domain.CursorPage[domain.ScanRecord]{Items: out}, nil
}

type notesCatalog struct {
	products map[string]domain.CatalogProduct
}

func (c *notesCatalog) GetProduct(_ context.Context, id string) (domain.CatalogProduct, error) {
	product, ok := c.products[id]
	if !ok {
		return domain.CatalogProduct{}, repoError{notFound: true}
	}
	return product, nil
}

func (c *notesCatalog) IncrementSold(_ context.Context, _ string, _ int64, _ time.Time) (int64, error) {
	return 0, nil
}

type fakePassSigner struct {
	lastObject string
	fail       error
}

func (f *fakePassSigner) SignedURL(_ context.Context, bucket, object string, _ pstorage.SignedURLOptions) (pstorage.SignedURLResult, error) {
	if f.fail != nil {
		return pstorage.SignedURLResult{}, f.fail
	}
	f.lastObject = object
	return pstorage.SignedURLResult{URL: "https://storage.example.com/" + bucket + "/" + object + "?sig=abc"}, nil
}

func adminIdentity() *auth.Identity {
	return &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}
}

func validatorNow() time.Time {
	return time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
}

func seedTicket(repo *memoryTicketRepo, mutators ...func(*domain.Ticket)) domain.Ticket {
	ticket := domain.Ticket{
		TicketNumber:     "TCKT-XYZ789user12025060111",
		UserProductID:    "USRPRD-XYZ789-general-admission-202506011",
		UserID:           "user1",
		OrderID:          "pi_ABCxyz789",
		ProductRef:       "prod-ga",
		Name:             "General Admission",
		EventID:          "evt-1",
		Status:           domain.TicketStatusActive,
		Valid:            true,
		ValidationSecret: "vld_abcdef0123456789",
		ValidFrom:        validatorNow().Add(-time.Hour),
		ValidUntil:       validatorNow().Add(time.Hour),
		IssuedAt:         validatorNow().Add(-24 * time.Hour),
	}
	for _, mutate := range mutators {
		mutate(&ticket)
	}
	repo.tickets[ticket.TicketNumber] = ticket
	return ticket
}

func newTestTicketValidator(t *testing.T, tickets *memoryTicketRepo, scans *memoryScanRepo, opts ...func(*TicketValidatorDeps)) TicketValidator {
	t.Helper()
	deps := TicketValidatorDeps{
		Tickets: tickets,
		Scans:   scans,
		Clock:   validatorNow,
		IDGen:   func() string { return "scan-1" },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	validator, err := NewTicketValidator(deps)
	if err != nil {
		t.Fatalf("NewTicketValidator returned error: %v", err)
	}
	return validator
}

func TestValidateTransitionsTicketOnce(t *testing.T) {
	tickets := newMemoryTicketRepo()
	scans := &memoryScanRepo{}
	ticket := seedTicket(tickets)
	validator := newTestTicketValidator(t, tickets, scans)

	validated, record, err := validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: ticket.TicketNumber,
		Identity:     adminIdentity(),
		Scanner:      domain.ScannerInfo{UserAgent: "GateScanner/2.1", IP: "10.0.0.7"},
	})
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if validated.Status != domain.TicketStatusValidated || validated.Valid {
		t.Fatalf("unexpected post-validation state: %+v", validated)
	}
	if validated.ValidatedBy != "admin-1" || validated.ValidatedAt == nil {
		t.Fatalf("validation provenance missing: %+v", validated)
	}
	if record.TicketID != ticket.TicketNumber || record.ValidationStatus != "validated" {
		t.Fatalf("unexpected scan record: %+v", record)
	}
	if len(scans.records) != 1 {
		t.Fatalf("expected 1 scan record, got %d", len(scans.records))
	}

	_, _, err = validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: ticket.TicketNumber,
		Identity:     adminIdentity(),
	})
	if !errors.Is(err, ErrAlreadyValidated) {
		t.Fatalf("expected ErrAlreadyValidated on second scan, got %v", err)
	}
	if len(scans.records) != 1 {
		t.Fatalf("rejected scan must not append audit entries, got %d", len(scans.records))
	}
}

func TestValidateRequiresAdminBeforeLookup(t *testing.T) {
	validator := newTestTicketValidator(t, newMemoryTicketRepo(), &memoryScanRepo{})

	_, _, err := validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: "TCKT-MISSING",
		Identity:     &auth.Identity{UID: "user1", Roles: []string{auth.RoleUser}},
	})
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestValidateUnknownTicket(t *testing.T) {
	validator := newTestTicketValidator(t, newMemoryTicketRepo(), &memoryScanRepo{})

	_, _, err := validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: "TCKT-MISSING",
		Identity:     adminIdentity(),
	})
	if !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestValidateOutsideWindow(t *testing.T) {
	tickets := newMemoryTicketRepo()
	ticket := seedTicket(tickets, func(tk *domain.Ticket) {
		tk.ValidFrom = validatorNow().Add(time.Hour)
		tk.ValidUntil = validatorNow().Add(2 * time.Hour)
	})
	validator := newTestTicketValidator(t, tickets, &memoryScanRepo{})

	_, _, err := validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: ticket.TicketNumber,
		Identity:     adminIdentity(),
	})
	if !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("expected ErrOutOfWindow, got %v", err)
	}
	if stored := tickets.tickets[ticket.TicketNumber]; stored.Status != domain.TicketStatusActive {
		t.Fatalf("rejected scan mutated the ticket: %+v", stored)
	}
}

func TestValidateOpenEndedWindow(t *testing.T) {
	tickets := newMemoryTicketRepo()
	ticket := seedTicket(tickets, func(tk *domain.Ticket) {
		tk.ValidFrom = time.Time{}
		tk.ValidUntil = time.Time{}
	})
	validator := newTestTicketValidator(t, tickets, &memoryScanRepo{})

	if _, _, err := validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: ticket.TicketNumber,
		Identity:     adminIdentity(),
	}); err != nil {
		t.Fatalf("open-ended window should validate: %v", err)
	}
}

func TestValidateSanitizesScannerInfo(t *testing.T) {
	tickets := newMemoryTicketRepo()
	scans := &memoryScanRepo{}
	ticket := seedTicket(tickets)
	validator := newTestTicketValidator(t, tickets, scans)

	_, record, err := validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: ticket.TicketNumber,
		Identity:     adminIdentity(),
		Scanner:      domain.ScannerInfo{UserAgent: "Gate<script>alert(1)</script>Scanner", IP: "10.0.0.7"},
	})
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if strings.Contains(record.ScannerInfo.UserAgent, "<script>") {
		t.Fatalf("user agent not sanitized: %q", record.ScannerInfo.UserAgent)
	}
}

func TestValidateSurvivesAuditFailure(t *testing.T) {
	tickets := newMemoryTicketRepo()
	scans := &memoryScanRepo{fail: errors.New("audit store down")}
	ticket := seedTicket(tickets)
	validator := newTestTicketValidator(t, tickets, scans)

	validated, _, err := validator.Validate(context.Background(), ValidateCommand{
		TicketNumber: ticket.TicketNumber,
		Identity:     adminIdentity(),
	})
	if err != nil {
		t.Fatalf("validation must not fail on audit errors: %v", err)
	}
	if validated.Status != domain.TicketStatusValidated {
		t.Fatalf("expected validated status, got %q", validated.Status)
	}
}

func TestStatusForOwnerIncludesNotesAndPassURL(t *testing.T) {
	tickets := newMemoryTicketRepo()
	ticket := seedTicket(tickets)
	catalog := &notesCatalog{products: map[string]domain.CatalogProduct{
		"prod-ga": {ID: "prod-ga", AdmissionNotes: "<p>Doors at 6pm</p><script>alert(1)</script>"},
	}}
	signer := &fakePassSigner{}
	validator := newTestTicketValidator(t, tickets, &memoryScanRepo{}, func(deps *TicketValidatorDeps) {
		deps.Catalog = catalog
		deps.Signer = signer
		deps.PassBucket = "eventgate-passes"
	})

	view, err := validator.Status(context.Background(), ticket.TicketNumber, &auth.Identity{UID: "user1", Roles: []string{auth.RoleUser}})
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !view.CanValidate {
		t.Fatal("active in-window ticket should be validatable")
	}
	if strings.Contains(view.AdmissionNotes, "script") || !strings.Contains(view.AdmissionNotes, "Doors at 6pm") {
		t.Fatalf("admission notes not sanitized as expected: %q", view.AdmissionNotes)
	}
	if !strings.Contains(view.PassURL, "passes/"+ticket.TicketNumber+".pdf") {
		t.Fatalf("unexpected pass url %q", view.PassURL)
	}
}

func TestStatusDeniedForStrangers(t *testing.T) {
	tickets := newMemoryTicketRepo()
	ticket := seedTicket(tickets)
	validator := newTestTicketValidator(t, tickets, &memoryScanRepo{})

	_, err := validator.Status(context.Background(), ticket.TicketNumber, &auth.Identity{UID: "someone-else", Roles: []string{auth.RoleUser}})
	if !errors.Is(err, ErrTicketForbidden) {
		t.Fatalf("expected ErrTicketForbidden, got %v", err)
	}
}

func TestStatusToleratesMissingEnrichments(t *testing.T) {
	tickets := newMemoryTicketRepo()
	ticket := seedTicket(tickets)
	signer := &fakePassSigner{fail: errors.New("signer down")}
	validator := newTestTicketValidator(t, tickets, &memoryScanRepo{}, func(deps *TicketValidatorDeps) {
		deps.Catalog = &notesCatalog{}
		deps.Signer = signer
		deps.PassBucket = "eventgate-passes"
	})

	view, err := validator.Status(context.Background(), ticket.TicketNumber, adminIdentity())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if view.AdmissionNotes != "" || view.PassURL != "" {
		t.Fatalf("expected empty enrichments on failure, got %+v", view)
	}
}

func TestListScansIsAdminOnly(t *testing.T) {
	tickets := newMemoryTicketRepo()
	scans := &memoryScanRepo{records: []domain.ScanRecord{
		{ID: "scan-1", TicketID: "TCKT-1", ScannedBy: "admin-1"},
		{ID: "scan-2", TicketID: "TCKT-2", ScannedBy: "admin-1"},
	}}
	validator := newTestTicketValidator(t, tickets, scans)

	_, err := validator.ListScans(context.Background(), ScanQuery{
		TicketNumber: "TCKT-1",
		Identity:     &auth.Identity{UID: "user1", Roles: []string{auth.RoleUser}},
	})
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}

	page, err := validator.ListScans(context.Background(), ScanQuery{
		TicketNumber: "TCKT-1",
		Identity:     adminIdentity(),
	})
	if err != nil {
		t.Fatalf("ListScans returned error: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "scan-1" {
		t.Fatalf("unexpected scan page: %+v", page.Items)
	}
}
