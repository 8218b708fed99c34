package mirror

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InvoiceState mirrors the ledger lifecycle of a financed invoice.
type InvoiceState string

const (
	StateFinanced InvoiceState = "FINANCED"
	StateRepaid   InvoiceState = "REPAID"
)

// EventRecord is one ledger event as delivered to the mirror.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex"`
	Key        string    `gorm:"size:64;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	InvoiceID  string    `gorm:"size:66;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Invoice is the read model for a financed invoice.
type Invoice struct {
	ID              uuid.UUID    `gorm:"type:uuid;primaryKey"`
	InvoiceID       string       `gorm:"size:66;uniqueIndex"`
	Supplier        string       `gorm:"size:128;index"`
	PayoutAmount    string       `gorm:"size:80"`
	RepaymentAmount string       `gorm:"size:80"`
	DueDate         int64        `gorm:"index"`
	FinancedAt      int64
	State           InvoiceState `gorm:"size:16;index"`
	Payer           string       `gorm:"size:128"`
	AmountPaid      string       `gorm:"size:80"`
	LateFee         string       `gorm:"size:80"`
	TotalInterest   string       `gorm:"size:80"`
	ProtocolFee     string       `gorm:"size:80"`
	LPInterest      string       `gorm:"size:80"`
	RepaidAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AutoMigrate creates or updates the mirror tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &Invoice{})
}
