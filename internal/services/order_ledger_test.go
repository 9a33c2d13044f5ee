package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/repositories"
)

type memoryOrderRepo struct {
	orders  map[string]domain.Order
	mutated int
	fail    error
}

func newMemoryOrderRepo() *memoryOrderRepo {
	return &memoryOrderRepo{orders: map[string]domain.Order{}}
}

func (m *memoryOrderRepo) Mutate(_ context.Context, id string, fn repositories.OrderMutator) (domain.Order, error) {
	if m.fail != nil {
		return domain.Order{}, m.fail
	}
	m.mutated++
	var existing *domain.Order
	if current, ok := m.orders[id]; ok {
		copyOf := current
		existing = &copyOf
	}
	next, err := fn(existing)
	if err != nil {
		return domain.Order{}, err
	}
	m.orders[id] = next
	return next, nil
}

func (m *memoryOrderRepo) FindByID(_ context.Context, id string) (domain.Order, error) {
	if m.fail != nil {
		return domain.Order{}, m.fail
	}
	order, ok := m.orders[id]
	if !ok {
		return domain.Order{}, repoError{notFound: true}
	}
	return order, nil
}

func (m *memoryOrderRepo) ListByUser(_ context.Context, userID string, _ domain.Pagination) (domain.CursorPage[domain.Order], error) {
	var out []domain.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	return domain.CursorPage[domain.Order]{Items: out}, nil
}

type repoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repoError) Error() string       { return "repo error" }
func (e repoError) IsNotFound() bool    { return e.notFound }
func (e repoError) IsConflict() bool    { return e.conflict }
func (e repoError) IsUnavailable() bool { return e.unavailable }

type recordingIssuer struct {
	calls []IssueCommand
	fail  error
}

func (r *recordingIssuer) Issue(_ context.Context, cmd IssueCommand) (FulfillmentResult, error) {
	r.calls = append(r.calls, cmd)
	if r.fail != nil {
		return FulfillmentResult{}, r.fail
	}
	return FulfillmentResult{TicketsCreated: len(cmd.Items)}, nil
}

func newTestLedger(t *testing.T, repo *memoryOrderRepo, issuer *recordingIssuer) OrderLedger {
	t.Helper()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ledger, err := NewOrderLedger(OrderLedgerDeps{
		Orders: repo,
		Issuer: issuer,
		Clock:  func() time.Time { return base },
	})
	if err != nil {
		t.Fatalf("NewOrderLedger returned error: %v", err)
	}
	return ledger
}

func ledgerItems() []domain.LineItem {
	return []domain.LineItem{
		{ProductID: "prod-ga", Name: "General Admission", UnitPrice: 10, Quantity: 2, Category: domain.ProductCategoryTicket},
	}
}

func TestSaveOrderCreatesProcessingEntry(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger := newTestLedger(t, repo, &recordingIssuer{})

	order, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID:  "pi_123",
		UserID:   "user-1",
		Amount:   2746,
		Currency: "usd",
		Items:    ledgerItems(),
		Locale:   "en-US",
	})
	if err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}
	if order.ProcessStatus != domain.ProcessStatusProcessing {
		t.Fatalf("expected processing status, got %q", order.ProcessStatus)
	}
	if order.CreatedAt.IsZero() {
		t.Fatal("expected createdAt to be set")
	}
	if order.ItemCount != 2 {
		t.Fatalf("expected item count 2, got %d", order.ItemCount)
	}
}

func TestSaveOrderPreservesCreatedAtAndAdvancedStatus(t *testing.T) {
	repo := newMemoryOrderRepo()
	created := time.Date(2025, 5, 30, 8, 0, 0, 0, time.UTC)
	completedAt := created.Add(time.Minute)
	repo.orders["pi_123"] = domain.Order{
		ID:            "pi_123",
		UserID:        "user-1",
		ProcessStatus: domain.ProcessStatusCompleted,
		Amount:        2746,
		CreatedAt:     created,
		CompletedAt:   &completedAt,
	}
	ledger := newTestLedger(t, repo, &recordingIssuer{})

	order, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123",
		UserID:  "user-1",
		Amount:  2746,
		Items:   ledgerItems(),
	})
	if err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}
	if !order.CreatedAt.Equal(created) {
		t.Fatalf("createdAt was overwritten: %v", order.CreatedAt)
	}
	if order.ProcessStatus != domain.ProcessStatusCompleted {
		t.Fatalf("completed status was downgraded to %q", order.ProcessStatus)
	}
}

func TestSaveOrderRejectsInvalidInput(t *testing.T) {
	ledger := newTestLedger(t, newMemoryOrderRepo(), &recordingIssuer{})

	cases := []SaveOrderCommand{
		{UserID: "user-1", Amount: 100},
		{OrderID: "pi_1", Amount: 100},
		{OrderID: "pi_1", UserID: "user-1", Amount: 0},
	}
	for _, cmd := range cases {
		if _, err := ledger.SaveOrder(context.Background(), cmd); !errors.Is(err, ErrLedgerInvalidInput) {
			t.Fatalf("expected ErrLedgerInvalidInput for %+v, got %v", cmd, err)
		}
	}
}

func TestApplySucceededCompletesAndIssues(t *testing.T) {
	repo := newMemoryOrderRepo()
	issuer := &recordingIssuer{}
	ledger := newTestLedger(t, repo, issuer)

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}

	order, result, err := ledger.ApplySucceeded(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123",
		PaymentStatus:   "succeeded",
		Amount:          2746,
	})
	if err != nil {
		t.Fatalf("ApplySucceeded returned error: %v", err)
	}
	if order.ProcessStatus != domain.ProcessStatusCompleted {
		t.Fatalf("expected completed, got %q", order.ProcessStatus)
	}
	if order.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}
	if result.TicketsCreated != 1 {
		t.Fatalf("expected 1 ticket created, got %d", result.TicketsCreated)
	}
	if len(issuer.calls) != 1 || issuer.calls[0].OrderID != "pi_123" || issuer.calls[0].UserID != "user-1" {
		t.Fatalf("issuer received unexpected command: %+v", issuer.calls)
	}
}

func TestApplySucceededIsIdempotent(t *testing.T) {
	repo := newMemoryOrderRepo()
	issuer := &recordingIssuer{}
	ledger := newTestLedger(t, repo, issuer)

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}

	event := PaymentEvent{AuthorizationID: "pi_123", PaymentStatus: "succeeded"}
	first, _, err := ledger.ApplySucceeded(context.Background(), event)
	if err != nil {
		t.Fatalf("first ApplySucceeded returned error: %v", err)
	}
	second, _, err := ledger.ApplySucceeded(context.Background(), event)
	if err != nil {
		t.Fatalf("second ApplySucceeded returned error: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completedAt changed on re-application: %v vs %v", first.CompletedAt, second.CompletedAt)
	}
	if len(issuer.calls) != 2 {
		t.Fatalf("expected issuer invoked on every succeeded event, got %d calls", len(issuer.calls))
	}
}

func TestApplySucceededBuildsOrderFromEvent(t *testing.T) {
	repo := newMemoryOrderRepo()
	issuer := &recordingIssuer{}
	ledger := newTestLedger(t, repo, issuer)

	order, _, err := ledger.ApplySucceeded(context.Background(), PaymentEvent{
		AuthorizationID: "pi_hook_first",
		UserID:          "user-2",
		Amount:          1080,
		Currency:        "usd",
		PaymentStatus:   "succeeded",
		Items:           ledgerItems(),
	})
	if err != nil {
		t.Fatalf("ApplySucceeded returned error: %v", err)
	}
	if order.UserID != "user-2" || order.ProcessStatus != domain.ProcessStatusCompleted {
		t.Fatalf("unexpected order from webhook-first arrival: %+v", order)
	}
	if order.CreatedAt.IsZero() {
		t.Fatal("expected createdAt on webhook-created order")
	}
}

func TestApplySucceededWithoutUserIsIntegrityError(t *testing.T) {
	ledger := newTestLedger(t, newMemoryOrderRepo(), &recordingIssuer{})

	_, _, err := ledger.ApplySucceeded(context.Background(), PaymentEvent{
		AuthorizationID: "pi_orphan",
		PaymentStatus:   "succeeded",
	})
	if !errors.Is(err, ErrOrderIntegrity) {
		t.Fatalf("expected ErrOrderIntegrity, got %v", err)
	}
}

func TestApplyFailedRecordsReason(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger := newTestLedger(t, repo, &recordingIssuer{})

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}

	order, err := ledger.ApplyFailed(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123",
		PaymentStatus:   "requires_payment_method",
		FailureReason:   "card_declined",
	})
	if err != nil {
		t.Fatalf("ApplyFailed returned error: %v", err)
	}
	if order.ProcessStatus != domain.ProcessStatusFailed {
		t.Fatalf("expected failed, got %q", order.ProcessStatus)
	}
	if order.FailureReason != "card_declined" {
		t.Fatalf("unexpected failure reason %q", order.FailureReason)
	}
	if order.FailedAt == nil {
		t.Fatal("expected failedAt to be set")
	}
}

func TestApplyRequiresActionMovesToPending(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger := newTestLedger(t, repo, &recordingIssuer{})

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}

	order, err := ledger.ApplyRequiresAction(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123",
		PaymentStatus:   "requires_action",
		NextActionType:  "use_stripe_sdk",
	})
	if err != nil {
		t.Fatalf("ApplyRequiresAction returned error: %v", err)
	}
	if order.ProcessStatus != domain.ProcessStatusPending || !order.RequiresAction {
		t.Fatalf("unexpected pending state: %+v", order)
	}
	if order.NextActionType != "use_stripe_sdk" {
		t.Fatalf("unexpected next action type %q", order.NextActionType)
	}
}

func TestStaleEventDoesNotDowngradeTerminalOrder(t *testing.T) {
	repo := newMemoryOrderRepo()
	issuer := &recordingIssuer{}
	ledger := newTestLedger(t, repo, issuer)

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}
	if _, _, err := ledger.ApplySucceeded(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123", PaymentStatus: "succeeded",
	}); err != nil {
		t.Fatalf("ApplySucceeded returned error: %v", err)
	}

	order, err := ledger.ApplyRequiresAction(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123",
		PaymentStatus:   "requires_action",
		NextActionType:  "use_stripe_sdk",
	})
	if err != nil {
		t.Fatalf("stale ApplyRequiresAction returned error: %v", err)
	}
	if order.ProcessStatus != domain.ProcessStatusCompleted {
		t.Fatalf("terminal status was downgraded to %q", order.ProcessStatus)
	}
	if order.RequiresAction {
		t.Fatal("stale event mutated requiresAction on a completed order")
	}
}

func TestMarkProcessingErrorSkipsTerminalStatus(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger := newTestLedger(t, repo, &recordingIssuer{})

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}

	order, err := ledger.MarkProcessingError(context.Background(), "pi_123", errors.New("boom"))
	if err != nil {
		t.Fatalf("MarkProcessingError returned error: %v", err)
	}
	if order.ProcessStatus != domain.ProcessStatusProcessingError {
		t.Fatalf("expected processing_error, got %q", order.ProcessStatus)
	}
	if order.ProcessingError != "boom" {
		t.Fatalf("unexpected processing error %q", order.ProcessingError)
	}

	if _, _, err := ledger.ApplySucceeded(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123", PaymentStatus: "succeeded",
	}); err != nil {
		t.Fatalf("recovery ApplySucceeded returned error: %v", err)
	}

	order, err = ledger.MarkProcessingError(context.Background(), "pi_123", errors.New("late failure"))
	if err != nil {
		t.Fatalf("MarkProcessingError returned error: %v", err)
	}
	if order.ProcessStatus != domain.ProcessStatusCompleted {
		t.Fatalf("terminal status replaced by processing_error: %q", order.ProcessStatus)
	}
	if order.ProcessingError != "late failure" {
		t.Fatalf("expected error message recorded, got %q", order.ProcessingError)
	}
}

func TestCancelRefusedFromCompleted(t *testing.T) {
	repo := newMemoryOrderRepo()
	ledger := newTestLedger(t, repo, &recordingIssuer{})

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}
	if _, _, err := ledger.ApplySucceeded(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123", PaymentStatus: "succeeded",
	}); err != nil {
		t.Fatalf("ApplySucceeded returned error: %v", err)
	}

	if _, err := ledger.Cancel(context.Background(), "pi_123", "changed mind", "user-1"); !errors.Is(err, ErrLedgerInvalidTransition) {
		t.Fatalf("expected ErrLedgerInvalidTransition, got %v", err)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	ledger := newTestLedger(t, newMemoryOrderRepo(), &recordingIssuer{})

	if _, err := ledger.Cancel(context.Background(), "pi_missing", "", "user-1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestIssuerFailureSurfacesAfterCompletion(t *testing.T) {
	repo := newMemoryOrderRepo()
	issuer := &recordingIssuer{fail: errors.New("issuance down")}
	ledger := newTestLedger(t, repo, issuer)

	if _, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	}); err != nil {
		t.Fatalf("SaveOrder returned error: %v", err)
	}

	order, _, err := ledger.ApplySucceeded(context.Background(), PaymentEvent{
		AuthorizationID: "pi_123", PaymentStatus: "succeeded",
	})
	if err == nil {
		t.Fatal("expected issuance error to surface")
	}
	if order.ProcessStatus != domain.ProcessStatusCompleted {
		t.Fatalf("completion should persist even when issuance fails, got %q", order.ProcessStatus)
	}
	if stored := repo.orders["pi_123"]; stored.ProcessStatus != domain.ProcessStatusCompleted {
		t.Fatalf("stored order lost completion: %q", stored.ProcessStatus)
	}
}

func TestLedgerMapsUnavailableRepository(t *testing.T) {
	repo := newMemoryOrderRepo()
	repo.fail = repoError{unavailable: true}
	ledger := newTestLedger(t, repo, &recordingIssuer{})

	_, err := ledger.SaveOrder(context.Background(), SaveOrderCommand{
		OrderID: "pi_123", UserID: "user-1", Amount: 2746, Items: ledgerItems(),
	})
	if err == nil {
		t.Fatal("expected error from unavailable repository")
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsUnavailable() {
		t.Fatalf("expected wrapped unavailable repository error, got %v", err)
	}
}
