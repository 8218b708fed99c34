package financing

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// MaxProtocolFeeBps caps the protocol share of realised interest (50%).
	MaxProtocolFeeBps uint64 = 5_000
	// DefaultProtocolFeeBps is applied when the initializer does not set a rate.
	DefaultProtocolFeeBps uint64 = 1_000
)

// InvoiceID is the 256-bit identifier of a financed invoice.
type InvoiceID [32]byte

// ParseInvoiceID accepts a 64 character hex string (bytes32 form, optional
// 0x prefix), a shorter 0x-prefixed hex quantity or a decimal integer.
func ParseInvoiceID(value string) (InvoiceID, error) {
	var id InvoiceID
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return id, fmt.Errorf("invoice id required")
	}
	lower := strings.ToLower(trimmed)
	hexDigits := strings.TrimPrefix(lower, "0x")
	switch {
	case len(hexDigits) == 64:
		raw, err := hex.DecodeString(hexDigits)
		if err != nil {
			return id, fmt.Errorf("invoice id: %w", err)
		}
		copy(id[:], raw)
		return id, nil
	case strings.HasPrefix(lower, "0x"):
		n, err := uint256.FromHex(lower)
		if err != nil {
			return id, fmt.Errorf("invoice id: %w", err)
		}
		return InvoiceID(n.Bytes32()), nil
	default:
		n, err := uint256.FromDecimal(trimmed)
		if err != nil {
			return id, fmt.Errorf("invoice id: %w", err)
		}
		return InvoiceID(n.Bytes32()), nil
	}
}

// InvoiceIDFromUint64 is a convenience constructor for small identifiers.
func InvoiceIDFromUint64(v uint64) InvoiceID {
	return InvoiceID(uint256.NewInt(v).Bytes32())
}

// String renders the identifier in 0x-prefixed bytes32 form.
func (id InvoiceID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Uint256 returns the identifier as a 256-bit integer.
func (id InvoiceID) Uint256() *uint256.Int {
	return new(uint256.Int).SetBytes32(id[:])
}

// IsZero reports whether the identifier is unset.
func (id InvoiceID) IsZero() bool { return id == InvoiceID{} }

// Pool is the singleton aggregate tracking pooled liquidity.
type Pool struct {
	TotalPoolSize       *big.Int
	AvailableLiquidity  *big.Int
	TotalFinanced       *big.Int
	TotalInterestEarned *big.Int
	ProtocolFeeRateBps  uint64
	ProtocolFeeReceiver [20]byte
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	return &Pool{
		TotalPoolSize:       cloneBig(p.TotalPoolSize),
		AvailableLiquidity:  cloneBig(p.AvailableLiquidity),
		TotalFinanced:       cloneBig(p.TotalFinanced),
		TotalInterestEarned: cloneBig(p.TotalInterestEarned),
		ProtocolFeeRateBps:  p.ProtocolFeeRateBps,
		ProtocolFeeReceiver: p.ProtocolFeeReceiver,
	}
}

func (p *Pool) normalize() *Pool {
	if p == nil {
		p = &Pool{}
	}
	p.TotalPoolSize = cloneBig(p.TotalPoolSize)
	p.AvailableLiquidity = cloneBig(p.AvailableLiquidity)
	p.TotalFinanced = cloneBig(p.TotalFinanced)
	p.TotalInterestEarned = cloneBig(p.TotalInterestEarned)
	return p
}

// FinancingRecord captures a single financed invoice. Only Repaid ever
// changes after creation.
type FinancingRecord struct {
	InvoiceID       InvoiceID
	Supplier        [20]byte
	PayoutAmount    *big.Int
	RepaymentAmount *big.Int
	DueDate         uint64
	CreatedAt       uint64
	Repaid          bool
}

// Clone returns a deep copy of the record.
func (r *FinancingRecord) Clone() *FinancingRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.PayoutAmount = cloneBig(r.PayoutAmount)
	clone.RepaymentAmount = cloneBig(r.RepaymentAmount)
	return &clone
}

// InvoiceStatus is the lifecycle position of an invoice.
type InvoiceStatus uint8

const (
	StatusUnfinanced InvoiceStatus = iota
	StatusFinanced
	StatusRepaid
)

func (s InvoiceStatus) String() string {
	switch s {
	case StatusFinanced:
		return "financed"
	case StatusRepaid:
		return "repaid"
	default:
		return "unfinanced"
	}
}

// PoolStatus is the read-only summary returned by pool queries.
type PoolStatus struct {
	Total               *big.Int
	Available           *big.Int
	Utilized            *big.Int
	Financed            *big.Int
	InterestEarned      *big.Int
	ProtocolFeeRateBps  uint64
	ProtocolFeeReceiver [20]byte
	Paused              bool
}

// FinancingRequest carries the authorized terms submitted by a supplier.
type FinancingRequest struct {
	InvoiceID       InvoiceID
	PayoutAmount    *big.Int
	RepaymentAmount *big.Int
	DueDate         uint64
	Nonce           *big.Int
	Deadline        uint64
	Signature       []byte
}

// Authorization returns the signed message implied by the request for the
// given supplier.
func (r FinancingRequest) Authorization(supplier [20]byte) Authorization {
	return Authorization{
		InvoiceID:       r.InvoiceID,
		Supplier:        supplier,
		PayoutAmount:    cloneBig(r.PayoutAmount),
		RepaymentAmount: cloneBig(r.RepaymentAmount),
		DueDate:         r.DueDate,
		Nonce:           cloneBig(r.Nonce),
		Deadline:        r.Deadline,
	}
}

// RepaymentQuote summarises the amounts owed and distributed on repayment.
type RepaymentQuote struct {
	LateFee        *big.Int
	RequiredAmount *big.Int
	TotalInterest  *big.Int
	ProtocolFee    *big.Int
	LPInterest     *big.Int
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
