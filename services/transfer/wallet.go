package transfer

import (
	"context"
	"math/big"
)

// FuncGateway adapts callback functions to the financing transfer gateway and
// compensator interfaces. Nil callbacks accept every movement.
type FuncGateway struct {
	TransferFunc func(ctx context.Context, to [20]byte, amount *big.Int) error
	CollectFunc  func(ctx context.Context, from [20]byte, amount *big.Int) error
	ReverseFunc  func(ctx context.Context, from [20]byte, amount *big.Int) error
	RestoreFunc  func(ctx context.Context, to [20]byte, amount *big.Int) error
}

// Transfer delegates to the configured callback.
func (g FuncGateway) Transfer(ctx context.Context, to [20]byte, amount *big.Int) error {
	return call(ctx, g.TransferFunc, to, amount)
}

// Collect delegates to the configured callback.
func (g FuncGateway) Collect(ctx context.Context, from [20]byte, amount *big.Int) error {
	return call(ctx, g.CollectFunc, from, amount)
}

// Reverse delegates to the configured callback.
func (g FuncGateway) Reverse(ctx context.Context, from [20]byte, amount *big.Int) error {
	return call(ctx, g.ReverseFunc, from, amount)
}

// Restore delegates to the configured callback.
func (g FuncGateway) Restore(ctx context.Context, to [20]byte, amount *big.Int) error {
	return call(ctx, g.RestoreFunc, to, amount)
}

func call(ctx context.Context, fn func(context.Context, [20]byte, *big.Int) error, addr [20]byte, amount *big.Int) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, addr, amount)
}
