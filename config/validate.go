package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"invoicefi/crypto"
)

// MaxProtocolFeeRateBps mirrors the ledger cap so bad files fail at load.
var MaxProtocolFeeRateBps = uint64(5_000)

// Validate checks cross-field constraints after defaults are applied.
func Validate(c *Config) error {
	if c.Domain.ChainID == 0 {
		return fmt.Errorf("domain: ChainID must be set")
	}
	if _, err := crypto.ParseAccount(c.Domain.LedgerID); err != nil {
		return fmt.Errorf("domain: LedgerID: %w", err)
	}
	if _, err := crypto.ParseAccount(c.Ledger.Admin); err != nil {
		return fmt.Errorf("ledger: Admin: %w", err)
	}
	if _, err := crypto.ParseAccount(c.Ledger.Authorizer); err != nil {
		return fmt.Errorf("ledger: Authorizer: %w", err)
	}
	if strings.TrimSpace(c.Ledger.FeeReceiver) != "" {
		if _, err := crypto.ParseAccount(c.Ledger.FeeReceiver); err != nil {
			return fmt.Errorf("ledger: FeeReceiver: %w", err)
		}
	}
	if c.Ledger.ProtocolFeeRateBps > MaxProtocolFeeRateBps {
		return fmt.Errorf("ledger: ProtocolFeeRateBps %d exceeds %d", c.Ledger.ProtocolFeeRateBps, MaxProtocolFeeRateBps)
	}
	if _, err := c.Ledger.InitialLiquidityAmount(); err != nil {
		return fmt.Errorf("ledger: InitialLiquidity: %w", err)
	}
	if c.Auth.Enabled && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: HMACSecret required when enabled")
	}
	for key, limit := range c.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s: RequestsPerMinute and Burst must be positive", key)
		}
	}
	switch c.Mirror.Driver {
	case MirrorDriverNone:
	case MirrorDriverSQLite, MirrorDriverPostgres:
		if strings.TrimSpace(c.Mirror.DSN) == "" {
			return fmt.Errorf("mirror: DSN required for driver %s", c.Mirror.Driver)
		}
	default:
		return fmt.Errorf("mirror: unknown driver %q", c.Mirror.Driver)
	}
	switch c.Transfer.Mode {
	case TransferModeBook:
		if _, err := c.Transfer.BookBalanceAmounts(); err != nil {
			return fmt.Errorf("transfer: BookBalances: %w", err)
		}
	case TransferModeERC20:
		if len(c.Transfer.BookBalances) > 0 {
			return fmt.Errorf("transfer: BookBalances only apply to book mode")
		}
		if strings.TrimSpace(c.Transfer.RPCURL) == "" {
			return fmt.Errorf("transfer: RPCURL required for erc20 mode")
		}
		if !common.IsHexAddress(c.Transfer.Token) {
			return fmt.Errorf("transfer: Token must be a hex address")
		}
		if c.Transfer.ChainID == 0 {
			return fmt.Errorf("transfer: ChainID required for erc20 mode")
		}
		if strings.TrimSpace(c.Transfer.KeystorePath) == "" {
			return fmt.Errorf("transfer: KeystorePath required for erc20 mode")
		}
	default:
		return fmt.Errorf("transfer: unknown mode %q", c.Transfer.Mode)
	}
	return nil
}
