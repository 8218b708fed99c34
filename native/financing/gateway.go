package financing

import (
	"context"
	"math/big"
)

// TransferGateway moves value between external accounts and the pool.
// Transfer pays out of the pool and Collect pulls funds into it. Either may
// invoke arbitrary logic, including calls back into the engine. A returned
// error means no value was moved.
type TransferGateway interface {
	Transfer(ctx context.Context, to [20]byte, amount *big.Int) error
	Collect(ctx context.Context, from [20]byte, amount *big.Int) error
}

// Compensator is optionally implemented by gateways able to undo completed
// movements. Reverse undoes a Transfer and Restore undoes a Collect. Without
// it the engine returns collected funds with a fresh Transfer and cannot
// recall completed payouts.
type Compensator interface {
	Reverse(ctx context.Context, from [20]byte, amount *big.Int) error
	Restore(ctx context.Context, to [20]byte, amount *big.Int) error
}
