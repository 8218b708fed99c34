package transfer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	transferSelector     = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	transferFromSelector = gethcrypto.Keccak256([]byte("transferFrom(address,address,uint256)"))[:4]
)

// ErrTransactionReverted is returned when a broadcast transaction is mined
// with a failed status.
var ErrTransactionReverted = errors.New("transfer: transaction reverted")

// EVMClient is the subset of the Ethereum RPC used by the treasury wallet.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ERC20Config parameterises the treasury hot wallet. ConfirmTimeout bounds
// how long a broadcast transaction is watched before it is handed to
// reconciliation.
type ERC20Config struct {
	Token          common.Address
	ChainID        *big.Int
	Confirmations  uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	GasLimit       uint64
}

// PendingTransaction is a broadcast transaction whose outcome was not known
// when the gateway stopped watching it.
type PendingTransaction struct {
	Hash   common.Hash
	To     common.Address
	Amount *big.Int
	Since  time.Time
}

// ERC20Gateway moves tokens through a treasury hot wallet. Payouts are ERC-20
// transfer calls and collections are transferFrom calls against an allowance
// granted to the treasury. Once a transaction is broadcast the gateway reports
// failure only if it reverts.
type ERC20Gateway struct {
	client EVMClient
	key    *ecdsa.PrivateKey
	from   common.Address
	cfg    ERC20Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[common.Hash]PendingTransaction
}

// NewERC20Gateway validates cfg and binds the signing key.
func NewERC20Gateway(client EVMClient, key *ecdsa.PrivateKey, cfg ERC20Config) (*ERC20Gateway, error) {
	if client == nil {
		return nil, errors.New("transfer: evm client required")
	}
	if key == nil {
		return nil, errors.New("transfer: treasury key required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, errors.New("transfer: token address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("transfer: chain id required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Minute
	}
	return &ERC20Gateway{
		client:  client,
		key:     key,
		from:    gethcrypto.PubkeyToAddress(key.PublicKey),
		cfg:     cfg,
		logger:  slog.Default().With("component", "erc20-gateway"),
		pending: make(map[common.Hash]PendingTransaction),
	}, nil
}

// SetLogger configures the structured logger.
func (g *ERC20Gateway) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	g.logger = logger.With("component", "erc20-gateway")
}

// From returns the treasury address.
func (g *ERC20Gateway) From() common.Address { return g.from }

// Transfer sends amount of the configured token to to and waits for it to
// confirm.
func (g *ERC20Gateway) Transfer(ctx context.Context, to [20]byte, amount *big.Int) error {
	if to == ([20]byte{}) {
		return fmt.Errorf("transfer: recipient required")
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	return g.settle(ctx, common.Address(to), amount, TransferCalldata(common.Address(to), amount))
}

// Collect pulls amount from from into the treasury with transferFrom. The
// payer must have approved the treasury for at least amount.
func (g *ERC20Gateway) Collect(ctx context.Context, from [20]byte, amount *big.Int) error {
	if from == ([20]byte{}) {
		return fmt.Errorf("transfer: payer required")
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	return g.settle(ctx, g.from, amount, TransferFromCalldata(common.Address(from), g.from, amount))
}

// Pending lists broadcast transactions that were still unconfirmed when the
// gateway stopped waiting for them.
func (g *ERC20Gateway) Pending() []PendingTransaction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingTransaction, 0, len(g.pending))
	for _, tx := range g.pending {
		out = append(out, tx)
	}
	return out
}

// settle broadcasts data and watches the result on a context detached from
// the caller. A transaction that is still unmined at ConfirmTimeout counts as
// sent and is recorded as pending.
func (g *ERC20Gateway) settle(ctx context.Context, to common.Address, amount *big.Int, data []byte) error {
	hash, err := g.send(ctx, data)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ConfirmTimeout)
	defer cancel()
	err = g.WaitForConfirmations(wctx, hash)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransactionReverted):
		return err
	default:
		g.mu.Lock()
		g.pending[hash] = PendingTransaction{Hash: hash, To: to, Amount: new(big.Int).Set(amount), Since: time.Now()}
		g.mu.Unlock()
		g.logger.Warn("transaction unconfirmed; left for reconciliation", "tx", hash.Hex(), "to", to.Hex(), "amount", amount.String(), "error", err)
		return nil
	}
}

// Send builds, signs and broadcasts a transfer call without waiting for it.
func (g *ERC20Gateway) Send(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if to == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("transfer: recipient required")
	}
	if err := requirePositive(amount); err != nil {
		return common.Hash{}, err
	}
	return g.send(ctx, TransferCalldata(to, amount))
}

func (g *ERC20Gateway) send(ctx context.Context, data []byte) (common.Hash, error) {
	nonce, err := g.client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer: nonce: %w", err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer: gas price: %w", err)
	}
	gas := g.cfg.GasLimit
	if gas == 0 {
		token := g.cfg.Token
		gas, err = g.client.EstimateGas(ctx, ethereum.CallMsg{From: g.from, To: &token, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("transfer: estimate gas: %w", err)
		}
	}
	token := g.cfg.Token
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(g.cfg.ChainID), g.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer: sign: %w", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("transfer: send: %w", err)
	}
	return signed.Hash(), nil
}

// WaitForConfirmations polls for the receipt of hash until it succeeds with
// enough confirmations, reverts, or ctx ends. RPC errors are retried.
func (g *ERC20Gateway) WaitForConfirmations(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		done, err := g.checkReceipt(ctx, hash)
		switch {
		case errors.Is(err, ErrTransactionReverted):
			return err
		case err != nil:
			lastErr = err
			g.logger.Debug("receipt poll failed", "tx", hash.Hex(), "error", err)
		case done:
			return nil
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("transfer: waiting for %s: %w", hash.Hex(), errors.Join(ctx.Err(), lastErr))
			}
			return fmt.Errorf("transfer: waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *ERC20Gateway) checkReceipt(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transfer: fetch receipt: %w", err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return false, fmt.Errorf("%w: %s", ErrTransactionReverted, hash.Hex())
	}
	if g.cfg.Confirmations <= 1 {
		return true, nil
	}
	header, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("transfer: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(g.cfg.Confirmations)) >= 0, nil
}

// TransferCalldata encodes an ERC-20 transfer(address,uint256) call.
func TransferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// TransferFromCalldata encodes an ERC-20 transferFrom(address,address,uint256)
// call.
func TransferFromCalldata(from, to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32*3)
	data = append(data, transferFromSelector...)
	data = append(data, common.LeftPadBytes(from.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
