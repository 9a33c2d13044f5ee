package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/eventgate/api/internal/domain"
	pfirestore "github.com/eventgate/api/internal/platform/firestore"
	"github.com/eventgate/api/internal/platform/pagination"
	"github.com/eventgate/api/internal/repositories"
)

const ticketScansCollection = "ticketScans"

// ScanRepository implements repositories.ScanRepository backed by Firestore.
// Records are write-once: Append uses Create so an id collision fails loudly
// instead of rewriting history.
type ScanRepository struct {
	provider *pfirestore.Provider
	scans    *pfirestore.BaseRepository[scanDocument]
}

// NewScanRepository constructs a Firestore-backed scan audit repository.
func NewScanRepository(provider *pfirestore.Provider) (*ScanRepository, error) {
	if provider == nil {
		return nil, errors.New("scan repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[scanDocument](provider, ticketScansCollection, nil, nil)
	return &ScanRepository{provider: provider, scans: base}, nil
}

// Append stores one audit record.
func (r *ScanRepository) Append(ctx context.Context, record domain.ScanRecord) (domain.ScanRecord, error) {
	if r == nil || r.provider == nil {
		return domain.ScanRecord{}, errors.New("scan repository not initialised")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return domain.ScanRecord{}, errors.New("scan append: record id is required")
	}
	if strings.TrimSpace(record.TicketID) == "" {
		return domain.ScanRecord{}, errors.New("scan append: ticket id is required")
	}

	ref, err := r.scans.DocumentRef(ctx, id)
	if err != nil {
		return domain.ScanRecord{}, err
	}
	if _, err := ref.Create(ctx, newScanDocument(record)); err != nil {
		return domain.ScanRecord{}, wrapScanError("scans.append", err)
	}
	record.ID = id
	return record, nil
}

// ListByTicket returns a ticket's scan history newest first with cursor paging.
func (r *ScanRepository) ListByTicket(ctx context.Context, ticketID string, pager domain.Pagination) (domain.CursorPage[domain.ScanRecord], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.ScanRecord]{}, errors.New("scan repository not initialised")
	}
	id := strings.TrimSpace(ticketID)
	if id == "" {
		return domain.CursorPage[domain.ScanRecord]{}, errors.New("scan list: ticket id is required")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ScanRecord]{}, wrapScanError("scans.list", err)
	}

	query := client.Collection(ticketScansCollection).Query.
		Where("ticketId", "==", id).
		OrderBy("scannedAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		scannedAt, lastID, err := decodeScanPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.ScanRecord]{}, wrapScanError("scans.list", err)
		}
		query = query.StartAfter(scannedAt, lastID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var records []domain.ScanRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.ScanRecord]{}, wrapScanError("scans.list", err)
		}
		var doc scanDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.ScanRecord]{}, fmt.Errorf("decode scan record %s: %w", snap.Ref.ID, err)
		}
		records = append(records, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(records) > pageSize
	if hasMore {
		records = records[:pageSize]
	}
	var nextToken string
	if hasMore && len(records) > 0 {
		last := records[len(records)-1]
		encoded, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.ScannedAt.UTC().Format(time.RFC3339Nano), last.ID},
		})
		if err != nil {
			return domain.CursorPage[domain.ScanRecord]{}, wrapScanError("scans.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.ScanRecord]{Items: records, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type scanDocument struct {
	TicketID         string              `firestore:"ticketId"`
	UserID           string              `firestore:"userId"`
	TicketName       string              `firestore:"ticketName,omitempty"`
	EventID          string              `firestore:"eventId,omitempty"`
	ScannedAt        time.Time           `firestore:"scannedAt"`
	ScannedBy        string              `firestore:"scannedBy"`
	ScannerInfo      scannerInfoDocument `firestore:"scannerInfo"`
	ValidationStatus string              `firestore:"validationStatus"`
}

type scannerInfoDocument struct {
	UserAgent string `firestore:"userAgent,omitempty"`
	IP        string `firestore:"ip,omitempty"`
}

func newScanDocument(record domain.ScanRecord) scanDocument {
	return scanDocument{
		TicketID:   strings.TrimSpace(record.TicketID),
		UserID:     strings.TrimSpace(record.UserID),
		TicketName: record.TicketName,
		EventID:    strings.TrimSpace(record.EventID),
		ScannedAt:  record.ScannedAt.UTC(),
		ScannedBy:  strings.TrimSpace(record.ScannedBy),
		ScannerInfo: scannerInfoDocument{
			UserAgent: record.ScannerInfo.UserAgent,
			IP:        record.ScannerInfo.IP,
		},
		ValidationStatus: strings.TrimSpace(record.ValidationStatus),
	}
}

func (d scanDocument) toDomain(id string) domain.ScanRecord {
	return domain.ScanRecord{
		ID:         id,
		TicketID:   d.TicketID,
		UserID:     d.UserID,
		TicketName: d.TicketName,
		EventID:    d.EventID,
		ScannedAt:  d.ScannedAt,
		ScannedBy:  d.ScannedBy,
		ScannerInfo: domain.ScannerInfo{
			UserAgent: d.ScannerInfo.UserAgent,
			IP:        d.ScannerInfo.IP,
		},
		ValidationStatus: d.ValidationStatus,
	}
}

func decodeScanPageToken(encoded string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(encoded)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", pagination.ErrInvalidPageToken
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", pagination.ErrInvalidPageToken
	}
	scannedAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	lastID, ok := cursor.StartAfter[1].(string)
	if !ok || strings.TrimSpace(lastID) == "" {
		return time.Time{}, "", pagination.ErrInvalidPageToken
	}
	return scannedAt, lastID, nil
}

func wrapScanError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return pfirestore.WrapError(op, err)
}
