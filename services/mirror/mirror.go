package mirror

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"invoicefi/core/events"
	"invoicefi/core/types"
	"invoicefi/native/financing"
)

// ErrNotFound is returned when the projection has no row for an invoice.
var ErrNotFound = errors.New("mirror: invoice not found")

// Mirror persists ledger events to SQL and maintains the invoice projection.
// It implements events.Emitter so it can be attached to the engine directly.
type Mirror struct {
	db      *gorm.DB
	logger  *slog.Logger
	nowFunc func() time.Time

	mu  sync.Mutex
	seq uint64
}

// New migrates the schema and resumes the event sequence from the highest
// stored value.
func New(db *gorm.DB, logger *slog.Logger) (*Mirror, error) {
	if db == nil {
		return nil, errors.New("mirror: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("mirror: migrate: %w", err)
	}
	var last struct{ Max *uint64 }
	if err := db.Model(&EventRecord{}).Select("MAX(sequence) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("mirror: load sequence: %w", err)
	}
	m := &Mirror{db: db, logger: logger.With("component", "mirror"), nowFunc: time.Now}
	if last.Max != nil {
		m.seq = *last.Max
	}
	return m, nil
}

// SetNowFunc overrides the clock used for row timestamps.
func (m *Mirror) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.nowFunc = now
}

// Emit implements events.Emitter. Storage failures are logged; the ledger
// remains the source of truth.
func (m *Mirror) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	if err := m.Record(context.Background(), payload.Event()); err != nil {
		m.logger.Error("mirror event dropped", "type", evt.EventType(), "error", err)
	}
}

// Record stores evt under the next sequence number and applies it to the
// projection in one transaction. An event whose idempotency key is already
// stored is a re-delivery and is skipped without consuming a sequence number.
func (m *Mirror) Record(ctx context.Context, evt *types.Event) error {
	if evt == nil || evt.Type == "" {
		return errors.New("mirror: event type required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.seq + 1
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("mirror: encode attributes: %w", err)
	}
	now := m.nowFunc().UTC()
	record := EventRecord{
		ID:         uuid.New(),
		Sequence:   seq,
		Key:        IdempotencyKey(evt),
		Type:       evt.Type,
		InvoiceID:  evt.Attr("invoiceId"),
		Attributes: string(attrs),
		CreatedAt:  now,
	}
	inserted := false
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).Create(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		return applyProjection(tx, evt, now)
	})
	if err != nil {
		return fmt.Errorf("mirror: record %s: %w", evt.Type, err)
	}
	if !inserted {
		m.logger.Debug("mirror event already recorded", "type", evt.Type, "key", record.Key)
		return nil
	}
	m.seq = seq
	return nil
}

// IdempotencyKey hashes the type and sorted attributes of evt. Ledger events
// carry their ledger sequence, so distinct events never share a key while a
// re-delivered event maps to the key it was first stored under.
func IdempotencyKey(evt *types.Event) string {
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(evt.Type))
	for _, k := range keys {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(evt.Attributes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func applyProjection(tx *gorm.DB, evt *types.Event, now time.Time) error {
	switch evt.Type {
	case financing.EventTypeWithdrawn:
		dueDate, _ := strconv.ParseInt(evt.Attr("dueDate"), 10, 64)
		financedAt, _ := strconv.ParseInt(evt.Attr("createdAt"), 10, 64)
		row := Invoice{
			ID:              uuid.New(),
			InvoiceID:       evt.Attr("invoiceId"),
			Supplier:        evt.Attr("supplier"),
			PayoutAmount:    evt.Attr("payoutAmount"),
			RepaymentAmount: evt.Attr("repaymentAmount"),
			DueDate:         dueDate,
			FinancedAt:      financedAt,
			State:           StateFinanced,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	case financing.EventTypeRepayment:
		return tx.Model(&Invoice{}).Where("invoice_id = ?", evt.Attr("invoiceId")).Updates(map[string]interface{}{
			"state":       StateRepaid,
			"payer":       evt.Attr("payer"),
			"amount_paid": evt.Attr("amount"),
			"late_fee":    evt.Attr("lateFee"),
			"repaid_at":   now,
			"updated_at":  now,
		}).Error
	case financing.EventTypeInterestDistributed:
		return tx.Model(&Invoice{}).Where("invoice_id = ?", evt.Attr("invoiceId")).Updates(map[string]interface{}{
			"total_interest": evt.Attr("totalInterest"),
			"protocol_fee":   evt.Attr("protocolFee"),
			"lp_interest":    evt.Attr("lpInterest"),
			"updated_at":     now,
		}).Error
	default:
		return nil
	}
}

// Invoice returns the projection row for invoiceID.
func (m *Mirror) Invoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var row Invoice
	err := m.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Invoices lists projection rows, optionally filtered by state, ordered by
// financing time.
func (m *Mirror) Invoices(ctx context.Context, state InvoiceState) ([]Invoice, error) {
	query := m.db.WithContext(ctx).Order("financed_at ASC, invoice_id ASC")
	if state != "" {
		query = query.Where("state = ?", state)
	}
	var rows []Invoice
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Events returns stored events after sequence after, in order.
func (m *Mirror) Events(ctx context.Context, after uint64, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []EventRecord
	err := m.db.WithContext(ctx).Where("sequence > ?", after).Order("sequence ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Decode rebuilds the event from the stored row.
func (r EventRecord) Decode() (*types.Event, error) {
	attrs := make(map[string]string)
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("mirror: decode attributes: %w", err)
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}
