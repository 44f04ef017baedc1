package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"posledger/internal/domain"
	"posledger/internal/store"
)

func (s *Store) CreateNumberingRange(ctx context.Context, r domain.NumberingRange) (*domain.NumberingRange, error) {
	if r.CompanyID == "" || r.DocumentType == "" {
		return nil, store.ErrInvalidRequest
	}
	if r.RangeFrom < 1 || r.RangeTo < r.RangeFrom {
		return nil, store.ErrInvalidRequest
	}
	if !r.ValidTo.After(r.ValidFrom) {
		return nil, store.ErrInvalidRequest
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	// current_number holds the last issued number, so a fresh range starts
	// one below its floor.
	r.CurrentNumber = r.RangeFrom - 1
	r.Active = true
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO numbering_ranges (id, company_id, document_type, prefix, range_from, range_to,
			current_number, valid_from, valid_to, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, r.ID, r.CompanyID, r.DocumentType, r.Prefix, r.RangeFrom, r.RangeTo,
		r.CurrentNumber, r.ValidFrom, r.ValidTo, r.Active, r.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := r
	return &created, nil
}

func (s *Store) ListNumberingRanges(ctx context.Context, companyID string) ([]domain.NumberingRange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, document_type, prefix, range_from, range_to,
			current_number, valid_from, valid_to, is_active, created_at
		FROM numbering_ranges
		WHERE company_id = $1
		ORDER BY document_type, valid_from DESC
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ranges := make([]domain.NumberingRange, 0, 8)
	for rows.Next() {
		var r domain.NumberingRange
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.DocumentType, &r.Prefix, &r.RangeFrom, &r.RangeTo,
			&r.CurrentNumber, &r.ValidFrom, &r.ValidTo, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ranges, nil
}

// allocateRangeNumber draws the next number from the company's active range
// for the document type, holding the range row locked until the caller's
// transaction commits. Numbers are never reused: the increment commits or
// the whole document does not exist.
func allocateRangeNumber(ctx context.Context, tx *sql.Tx, companyID string, docType string, at time.Time) (string, error) {
	var (
		rangeID string
		prefix  string
		rangeTo int64
		current int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, prefix, range_to, current_number
		FROM numbering_ranges
		WHERE company_id = $1 AND document_type = $2 AND is_active = true
			AND valid_from <= $3 AND valid_to >= $3
		ORDER BY valid_from DESC
		LIMIT 1
		FOR UPDATE
	`, companyID, docType, at).Scan(&rangeID, &prefix, &rangeTo, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNoActiveRange
		}
		if isRetryableConflict(err) {
			return "", store.ErrConcurrencyConflict
		}
		return "", err
	}

	if current >= rangeTo {
		return "", store.ErrRangeExhausted
	}
	next := current + 1

	if _, err := tx.ExecContext(ctx, `
		UPDATE numbering_ranges SET current_number = $1 WHERE id = $2
	`, next, rangeID); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s%08d", prefix, next), nil
}

// allocateTicketNumber issues an informal document number from the
// per-company per-day counter. Gaps are acceptable here; only range-backed
// documents carry the gap-free guarantee.
func allocateTicketNumber(ctx context.Context, tx *sql.Tx, companyID string, docType string, at time.Time) (string, error) {
	day := at.UTC().Format("20060102")

	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ticket_counters (company_id, document_type, day, last_number)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (company_id, document_type, day)
		DO UPDATE SET last_number = ticket_counters.last_number + 1
		RETURNING last_number
	`, companyID, docType, day).Scan(&seq)
	if err != nil {
		if isRetryableConflict(err) {
			return "", store.ErrConcurrencyConflict
		}
		return "", err
	}

	tag := "T"
	if docType == domain.DocTypeCreditNote {
		tag = "NC"
	}
	return fmt.Sprintf("%s-%s-%06d", tag, day, seq), nil
}
