package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	// ErrRecipientBlocked is returned for recipients marked with Block.
	ErrRecipientBlocked = errors.New("transfer: recipient blocked")
	// ErrInsufficientFunds is returned when an account cannot cover a
	// collection or a reversal.
	ErrInsufficientFunds = errors.New("transfer: insufficient funds")
	// ErrTreasuryShort is returned when a payout exceeds the funds the book
	// has collected.
	ErrTreasuryShort = errors.New("transfer: treasury balance insufficient")
)

// Hook observes a completed book transfer. It runs outside the book lock and
// receives the caller's context, so it may call back into the ledger.
type Hook func(ctx context.Context, to [20]byte, amount *big.Int)

// Book is an in-process balance book used in development mode and tests.
// Collections move funds from an account into the treasury and transfers pay
// them back out, so the book never pays more than it has received.
type Book struct {
	mu       sync.Mutex
	balances map[[20]byte]*big.Int
	blocked  map[[20]byte]error
	treasury *big.Int
	hook     Hook
}

// NewBook returns an empty balance book.
func NewBook() *Book {
	return &Book{
		balances: make(map[[20]byte]*big.Int),
		blocked:  make(map[[20]byte]error),
		treasury: big.NewInt(0),
	}
}

// OnTransfer installs a hook invoked after each successful transfer.
func (b *Book) OnTransfer(hook Hook) {
	b.mu.Lock()
	b.hook = hook
	b.mu.Unlock()
}

// Block makes transfers to addr fail with reason, or ErrRecipientBlocked when
// reason is nil.
func (b *Book) Block(addr [20]byte, reason error) {
	if reason == nil {
		reason = ErrRecipientBlocked
	}
	b.mu.Lock()
	b.blocked[addr] = reason
	b.mu.Unlock()
}

// Unblock clears a previous Block.
func (b *Book) Unblock(addr [20]byte) {
	b.mu.Lock()
	delete(b.blocked, addr)
	b.mu.Unlock()
}

// Fund mints amount into addr's external balance.
func (b *Book) Fund(addr [20]byte, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	b.mu.Lock()
	b.credit(addr, amount)
	b.mu.Unlock()
	return nil
}

// Collect debits amount from from into the treasury.
func (b *Book) Collect(_ context.Context, from [20]byte, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(from, amount); err != nil {
		return fmt.Errorf("collect from %x: %w", from, err)
	}
	b.treasury.Add(b.treasury, amount)
	return nil
}

// Transfer pays amount out of the treasury to to.
func (b *Book) Transfer(ctx context.Context, to [20]byte, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	b.mu.Lock()
	if reason, blocked := b.blocked[to]; blocked {
		b.mu.Unlock()
		return fmt.Errorf("transfer to %x: %w", to, reason)
	}
	if b.treasury.Cmp(amount) < 0 {
		held := new(big.Int).Set(b.treasury)
		b.mu.Unlock()
		return fmt.Errorf("transfer %s with %s held: %w", amount, held, ErrTreasuryShort)
	}
	b.treasury.Sub(b.treasury, amount)
	b.credit(to, amount)
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		hook(ctx, to, new(big.Int).Set(amount))
	}
	return nil
}

// Reverse pulls a previously transferred amount back into the treasury.
func (b *Book) Reverse(_ context.Context, from [20]byte, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(from, amount); err != nil {
		return err
	}
	b.treasury.Add(b.treasury, amount)
	return nil
}

// Restore returns a collected amount to to. Blocks do not apply.
func (b *Book) Restore(_ context.Context, to [20]byte, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.treasury.Cmp(amount) < 0 {
		return ErrTreasuryShort
	}
	b.treasury.Sub(b.treasury, amount)
	b.credit(to, amount)
	return nil
}

// Balance returns the external balance of addr.
func (b *Book) Balance(addr [20]byte) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if balance := b.balances[addr]; balance != nil {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

// Treasury returns the funds collected and not yet paid out.
func (b *Book) Treasury() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.treasury)
}

func (b *Book) credit(addr [20]byte, amount *big.Int) {
	balance := b.balances[addr]
	if balance == nil {
		balance = big.NewInt(0)
		b.balances[addr] = balance
	}
	balance.Add(balance, amount)
}

func (b *Book) debit(addr [20]byte, amount *big.Int) error {
	balance := b.balances[addr]
	if balance == nil || balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	balance.Sub(balance, amount)
	if balance.Sign() == 0 {
		delete(b.balances, addr)
	}
	return nil
}

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer: amount must be positive")
	}
	return nil
}
