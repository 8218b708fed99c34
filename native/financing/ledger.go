package financing

import (
	"fmt"
	"math/big"
)

var (
	poolKey          = []byte("financing/pool")
	rolesKey         = []byte("financing/roles")
	lpPositionPrefix = []byte("financing/lp/")
	invoicePrefix    = []byte("financing/invoice/")
	usedPrefix       = []byte("financing/used/")
	eventSeqKey      = []byte("financing/event-seq")
)

// ledgerState is the key-value surface the ledger persists through.
type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Ledger holds pool totals, LP positions, financing records and the
// used-invoice set. Every mutator checks all preconditions before writing.
type Ledger struct {
	state ledgerState
}

// NewLedger binds a ledger to the supplied state.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state}
}

type storedPool struct {
	TotalPoolSize       *big.Int
	AvailableLiquidity  *big.Int
	TotalFinanced       *big.Int
	TotalInterestEarned *big.Int
	ProtocolFeeRateBps  uint64
	ProtocolFeeReceiver [20]byte
}

type storedPosition struct {
	Amount *big.Int
}

type storedRecord struct {
	Supplier        [20]byte
	PayoutAmount    *big.Int
	RepaymentAmount *big.Int
	DueDate         uint64
	CreatedAt       uint64
	Repaid          bool
}

func keyWith(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return buf
}

// NextEventSequence advances and returns the persisted event counter.
func (l *Ledger) NextEventSequence() (uint64, error) {
	var seq uint64
	if _, err := l.state.KVGet(eventSeqKey, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := l.state.KVPut(eventSeqKey, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Pool loads the pool aggregate. An uninitialised pool is reported as false.
func (l *Ledger) Pool() (*Pool, bool, error) {
	var stored storedPool
	ok, err := l.state.KVGet(poolKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	pool := (&Pool{
		TotalPoolSize:       stored.TotalPoolSize,
		AvailableLiquidity:  stored.AvailableLiquidity,
		TotalFinanced:       stored.TotalFinanced,
		TotalInterestEarned: stored.TotalInterestEarned,
		ProtocolFeeRateBps:  stored.ProtocolFeeRateBps,
		ProtocolFeeReceiver: stored.ProtocolFeeReceiver,
	}).normalize()
	return pool, true, nil
}

func (l *Ledger) mustPool() (*Pool, error) {
	pool, ok, err := l.Pool()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(ErrNotInitialized, "")
	}
	return pool, nil
}

// PutPool persists the pool after checking the liquidity invariant.
func (l *Ledger) PutPool(pool *Pool) error {
	pool = pool.normalize()
	if pool.AvailableLiquidity.Sign() < 0 || pool.AvailableLiquidity.Cmp(pool.TotalPoolSize) > 0 {
		return fmt.Errorf("financing: liquidity invariant violated (available %s, total %s)",
			pool.AvailableLiquidity, pool.TotalPoolSize)
	}
	return l.state.KVPut(poolKey, &storedPool{
		TotalPoolSize:       pool.TotalPoolSize,
		AvailableLiquidity:  pool.AvailableLiquidity,
		TotalFinanced:       pool.TotalFinanced,
		TotalInterestEarned: pool.TotalInterestEarned,
		ProtocolFeeRateBps:  pool.ProtocolFeeRateBps,
		ProtocolFeeReceiver: pool.ProtocolFeeReceiver,
	})
}

// Position returns the deposited amount recorded for account.
func (l *Ledger) Position(account [20]byte) (*big.Int, error) {
	var stored storedPosition
	ok, err := l.state.KVGet(keyWith(lpPositionPrefix, account[:]), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return cloneBig(stored.Amount), nil
}

func (l *Ledger) putPosition(account [20]byte, amount *big.Int) error {
	key := keyWith(lpPositionPrefix, account[:])
	if amount.Sign() == 0 {
		return l.state.KVDelete(key)
	}
	return l.state.KVPut(key, &storedPosition{Amount: amount})
}

// Credit records an LP deposit.
func (l *Ledger) Credit(account [20]byte, amount *big.Int) error {
	if !positive(amount) {
		return newError(ErrInvalidAmount, "amount")
	}
	pool, err := l.mustPool()
	if err != nil {
		return err
	}
	position, err := l.Position(account)
	if err != nil {
		return err
	}
	pool.TotalPoolSize.Add(pool.TotalPoolSize, amount)
	pool.AvailableLiquidity.Add(pool.AvailableLiquidity, amount)
	if err := l.putPosition(account, position.Add(position, amount)); err != nil {
		return err
	}
	return l.PutPool(pool)
}

// Debit records an LP withdrawal, bounded by both the position and the
// currently available liquidity.
func (l *Ledger) Debit(account [20]byte, amount *big.Int) error {
	if !positive(amount) {
		return newError(ErrInvalidAmount, "amount")
	}
	pool, err := l.mustPool()
	if err != nil {
		return err
	}
	position, err := l.Position(account)
	if err != nil {
		return err
	}
	if amount.Cmp(position) > 0 {
		return newError(ErrInsufficientBalance, "amount")
	}
	if amount.Cmp(pool.AvailableLiquidity) > 0 {
		return newError(ErrInsufficientLiquidity, "amount")
	}
	pool.TotalPoolSize.Sub(pool.TotalPoolSize, amount)
	pool.AvailableLiquidity.Sub(pool.AvailableLiquidity, amount)
	if err := l.putPosition(account, position.Sub(position, amount)); err != nil {
		return err
	}
	return l.PutPool(pool)
}

// Reserve moves amount from available liquidity into financed principal.
func (l *Ledger) Reserve(amount *big.Int) error {
	if !positive(amount) {
		return newError(ErrInvalidAmount, "payoutAmount")
	}
	pool, err := l.mustPool()
	if err != nil {
		return err
	}
	if amount.Cmp(pool.AvailableLiquidity) > 0 {
		return newError(ErrInsufficientLiquidity, "payoutAmount")
	}
	pool.AvailableLiquidity.Sub(pool.AvailableLiquidity, amount)
	pool.TotalFinanced.Add(pool.TotalFinanced, amount)
	return l.PutPool(pool)
}

// Release returns repaid principal plus the LP share of interest to
// available liquidity. Only the interest share grows the pool size since the
// principal never left it; totalInterest is recorded in full.
func (l *Ledger) Release(principal, interestShare, totalInterest *big.Int) error {
	pool, err := l.mustPool()
	if err != nil {
		return err
	}
	principal = cloneBig(principal)
	interestShare = cloneBig(interestShare)
	totalInterest = cloneBig(totalInterest)
	if principal.Sign() < 0 || interestShare.Sign() < 0 || totalInterest.Sign() < 0 {
		return newError(ErrInvalidAmount, "amount")
	}
	pool.AvailableLiquidity.Add(pool.AvailableLiquidity, principal)
	pool.AvailableLiquidity.Add(pool.AvailableLiquidity, interestShare)
	pool.TotalPoolSize.Add(pool.TotalPoolSize, interestShare)
	pool.TotalInterestEarned.Add(pool.TotalInterestEarned, totalInterest)
	return l.PutPool(pool)
}

// IsInvoiceUsed reports membership in the used-invoice set.
func (l *Ledger) IsInvoiceUsed(id InvoiceID) (bool, error) {
	return l.state.KVGet(keyWith(usedPrefix, id[:]), nil)
}

// MarkInvoiceUsed inserts id into the used-invoice set. The set only grows.
func (l *Ledger) MarkInvoiceUsed(id InvoiceID) error {
	used, err := l.IsInvoiceUsed(id)
	if err != nil {
		return err
	}
	if used {
		return newError(ErrInvoiceAlreadyFinanced, "invoiceId")
	}
	return l.state.KVPut(keyWith(usedPrefix, id[:]), true)
}

// Record loads the financing record for id.
func (l *Ledger) Record(id InvoiceID) (*FinancingRecord, bool, error) {
	var stored storedRecord
	ok, err := l.state.KVGet(keyWith(invoicePrefix, id[:]), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &FinancingRecord{
		InvoiceID:       id,
		Supplier:        stored.Supplier,
		PayoutAmount:    cloneBig(stored.PayoutAmount),
		RepaymentAmount: cloneBig(stored.RepaymentAmount),
		DueDate:         stored.DueDate,
		CreatedAt:       stored.CreatedAt,
		Repaid:          stored.Repaid,
	}, true, nil
}

// CreateRecord stores a new financing record; ids are never overwritten.
func (l *Ledger) CreateRecord(record *FinancingRecord) error {
	if record == nil {
		return fmt.Errorf("financing: nil record")
	}
	if _, exists, err := l.Record(record.InvoiceID); err != nil {
		return err
	} else if exists {
		return newError(ErrInvoiceAlreadyFinanced, "invoiceId")
	}
	return l.putRecord(record)
}

// MarkRepaid flips the repaid flag. The transition is one-way.
func (l *Ledger) MarkRepaid(id InvoiceID) (*FinancingRecord, error) {
	record, ok, err := l.Record(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(ErrInvoiceNotFinanced, "invoiceId")
	}
	if record.Repaid {
		return nil, newError(ErrAlreadyRepaid, "invoiceId")
	}
	record.Repaid = true
	if err := l.putRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (l *Ledger) putRecord(record *FinancingRecord) error {
	return l.state.KVPut(keyWith(invoicePrefix, record.InvoiceID[:]), &storedRecord{
		Supplier:        record.Supplier,
		PayoutAmount:    cloneBig(record.PayoutAmount),
		RepaymentAmount: cloneBig(record.RepaymentAmount),
		DueDate:         record.DueDate,
		CreatedAt:       record.CreatedAt,
		Repaid:          record.Repaid,
	})
}
