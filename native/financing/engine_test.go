package financing

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"invoicefi/core/events"
	"invoicefi/storage"
)

const day = uint64(secondsPerDay)

type fakeGateway struct {
	mu       sync.Mutex
	balances map[[20]byte]*big.Int
	treasury *big.Int
	failures map[[20]byte]error
	hook     func(ctx context.Context, to [20]byte, amount *big.Int)
	reversed int
	restored int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balances: make(map[[20]byte]*big.Int),
		treasury: big.NewInt(0),
		failures: make(map[[20]byte]error),
	}
}

func (g *fakeGateway) Transfer(ctx context.Context, to [20]byte, amount *big.Int) error {
	g.mu.Lock()
	err := g.failures[to]
	hook := g.hook
	if err == nil && g.treasury.Cmp(amount) < 0 {
		err = fmt.Errorf("treasury holds %s, need %s", g.treasury, amount)
	}
	if err == nil {
		g.treasury.Sub(g.treasury, amount)
		g.credit(to, amount)
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(ctx, to, amount)
	}
	return nil
}

func (g *fakeGateway) Collect(_ context.Context, from [20]byte, amount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	bal := g.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%x holds %v, need %s", from, bal, amount)
	}
	bal.Sub(bal, amount)
	g.treasury.Add(g.treasury, amount)
	return nil
}

func (g *fakeGateway) Reverse(_ context.Context, from [20]byte, amount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	bal := g.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("cannot reverse %s from %x", amount, from)
	}
	bal.Sub(bal, amount)
	g.treasury.Add(g.treasury, amount)
	g.reversed++
	return nil
}

func (g *fakeGateway) Restore(_ context.Context, to [20]byte, amount *big.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.treasury.Cmp(amount) < 0 {
		return fmt.Errorf("cannot restore %s to %x", amount, to)
	}
	g.treasury.Sub(g.treasury, amount)
	g.credit(to, amount)
	g.restored++
	return nil
}

func (g *fakeGateway) credit(addr [20]byte, amount *big.Int) {
	bal := g.balances[addr]
	if bal == nil {
		bal = big.NewInt(0)
		g.balances[addr] = bal
	}
	bal.Add(bal, amount)
}

func (g *fakeGateway) fund(addr [20]byte, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.credit(addr, big.NewInt(amount))
}

func (g *fakeGateway) balance(addr [20]byte) *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bal := g.balances[addr]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (g *fakeGateway) held() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.treasury)
}

func (g *fakeGateway) fail(addr [20]byte, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, addr)
		return
	}
	g.failures[addr] = err
}

type engineEnv struct {
	engine        *Engine
	gateway       *fakeGateway
	recorder      *events.Recorder
	authorizerKey *ecdsa.PrivateKey
	admin         [20]byte
	authorizer    [20]byte
	feeReceiver   [20]byte
	lp            [20]byte
	supplier      [20]byte
	now           uint64
}

func newEngineEnv(t *testing.T, liquidity int64) *engineEnv {
	t.Helper()
	key, authorizer := mustKey(t)
	env := &engineEnv{
		gateway:       newFakeGateway(),
		recorder:      &events.Recorder{},
		authorizerKey: key,
		admin:         [20]byte{0xad},
		authorizer:    authorizer,
		feeReceiver:   [20]byte{0xfe},
		lp:            [20]byte{0x11},
		supplier:      [20]byte{0x22},
		now:           1_700_000_000,
	}
	verifier, err := NewVerifier(testDomain())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	engine, err := NewEngine(storage.NewMemDB(), verifier, env.gateway)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	engine.SetEmitter(env.recorder)
	engine.SetNowFunc(func() time.Time { return time.Unix(int64(env.now), 0) })
	env.engine = engine

	ctx := context.Background()
	if err := engine.Initialize(ctx, InitParams{
		Admin:               env.admin,
		Authorizer:          env.authorizer,
		ProtocolFeeReceiver: env.feeReceiver,
		ProtocolFeeRateBps:  DefaultProtocolFeeBps,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if liquidity > 0 {
		env.gateway.fund(env.lp, liquidity)
		if err := engine.Deposit(ctx, env.lp, big.NewInt(liquidity)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	env.recorder.Reset()
	return env
}

func (env *engineEnv) request(t *testing.T, id uint64, payout, repayment int64) FinancingRequest {
	t.Helper()
	return env.signedRequest(t, env.authorizerKey, id, payout, repayment)
}

func (env *engineEnv) signedRequest(t *testing.T, key *ecdsa.PrivateKey, id uint64, payout, repayment int64) FinancingRequest {
	t.Helper()
	req := FinancingRequest{
		InvoiceID:       InvoiceIDFromUint64(id),
		PayoutAmount:    big.NewInt(payout),
		RepaymentAmount: big.NewInt(repayment),
		DueDate:         env.now + 90*day,
		Nonce:           big.NewInt(int64(id)),
		Deadline:        env.now + 3_600,
	}
	sig, err := SignAuthorization(key, env.engine.Verifier().Domain(), req.Authorization(env.supplier))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig
	return req
}

func (env *engineEnv) status(t *testing.T) *PoolStatus {
	t.Helper()
	status, err := env.engine.PoolStatus()
	if err != nil {
		t.Fatalf("pool status: %v", err)
	}
	if status.Available.Sign() < 0 || status.Available.Cmp(status.Total) > 0 {
		t.Fatalf("liquidity invariant violated: available=%s total=%s", status.Available, status.Total)
	}
	if held := env.gateway.held(); held.Cmp(status.Available) != 0 {
		t.Fatalf("gateway holds %s but pool reports %s available", held, status.Available)
	}
	return status
}

func requireAmount(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s = %v, want %d", name, got, want)
	}
}

func requireSameStatus(t *testing.T, before, after *PoolStatus) {
	t.Helper()
	pairs := [][2]*big.Int{
		{before.Total, after.Total},
		{before.Available, after.Available},
		{before.Financed, after.Financed},
		{before.InterestEarned, after.InterestEarned},
	}
	for i, p := range pairs {
		if p[0].Cmp(p[1]) != 0 {
			t.Fatalf("pool field %d changed: %s -> %s", i, p[0], p[1])
		}
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	env := newEngineEnv(t, 1_000)
	ctx := context.Background()
	before := env.status(t)

	env.gateway.fund(env.lp, 250)
	if err := env.engine.Deposit(ctx, env.lp, big.NewInt(250)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, _ := env.engine.LPBalance(env.lp)
	requireAmount(t, "lp balance", balance, 1_250)

	if err := env.engine.Withdraw(ctx, env.lp, big.NewInt(250)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireSameStatus(t, before, env.status(t))
	balance, _ = env.engine.LPBalance(env.lp)
	requireAmount(t, "lp balance", balance, 1_000)
	requireAmount(t, "gateway balance", env.gateway.balance(env.lp), 250)
	requireAmount(t, "pool funds", env.gateway.held(), 1_000)

	if len(env.recorder.OfType(EventTypeDeposit)) != 1 || len(env.recorder.OfType(EventTypeWithdrawal)) != 1 {
		t.Fatalf("unexpected events %+v", env.recorder.Events())
	}
}

func TestDepositRejectsZeroAmount(t *testing.T) {
	env := newEngineEnv(t, 0)
	err := env.engine.Deposit(context.Background(), env.lp, big.NewInt(0))
	if !errors.Is(err, ErrInvalidAmount) || KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWithdrawTransferFailureRollsBack(t *testing.T) {
	env := newEngineEnv(t, 1_000)
	before := env.status(t)
	env.gateway.fail(env.lp, errors.New("recipient rejected"))

	err := env.engine.Withdraw(context.Background(), env.lp, big.NewInt(400))
	if !errors.Is(err, ErrTransferFailed) || KindOf(err) != KindTransferFailure {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	requireSameStatus(t, before, env.status(t))
	balance, _ := env.engine.LPBalance(env.lp)
	requireAmount(t, "lp balance", balance, 1_000)
	if len(env.recorder.Events()) != 0 {
		t.Fatalf("reverted operation emitted events")
	}
}

func TestWithdrawBeyondPosition(t *testing.T) {
	env := newEngineEnv(t, 1_000)
	err := env.engine.Withdraw(context.Background(), env.lp, big.NewInt(1_001))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestOnTimeRepaymentScenario(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	req := env.request(t, 1, 98_000, 100_000)

	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("withdraw financing: %v", err)
	}
	afterFinance := env.status(t)
	requireAmount(t, "available", afterFinance.Available, 902_000)
	requireAmount(t, "financed", afterFinance.Financed, 98_000)
	requireAmount(t, "utilized", afterFinance.Utilized, 98_000)
	requireAmount(t, "supplier payout", env.gateway.balance(env.supplier), 98_000)
	if status, _ := env.engine.InvoiceStatus(req.InvoiceID); status != StatusFinanced {
		t.Fatalf("unexpected status %s", status)
	}

	env.now += 30 * day
	env.gateway.fund(env.supplier, 2_000)
	if err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(100_000), env.supplier); err != nil {
		t.Fatalf("repay: %v", err)
	}
	after := env.status(t)
	requireAmount(t, "available delta", new(big.Int).Sub(after.Available, afterFinance.Available), 99_800)
	requireAmount(t, "total delta", new(big.Int).Sub(after.Total, afterFinance.Total), 1_800)
	requireAmount(t, "interest earned", after.InterestEarned, 2_000)
	requireAmount(t, "protocol fee", env.gateway.balance(env.feeReceiver), 200)
	requireAmount(t, "supplier after repayment", env.gateway.balance(env.supplier), 0)

	record, err := env.engine.FinancingRecord(req.InvoiceID)
	if err != nil || record == nil || !record.Repaid {
		t.Fatalf("unexpected record %+v err=%v", record, err)
	}
	if status, _ := env.engine.InvoiceStatus(req.InvoiceID); status != StatusRepaid {
		t.Fatalf("unexpected status %s", status)
	}

	distributed := env.recorder.OfType(EventTypeInterestDistributed)
	if len(distributed) != 1 {
		t.Fatalf("expected one interest event, got %d", len(distributed))
	}
	if distributed[0].Attr("protocolFee") != "200" || distributed[0].Attr("lpInterest") != "1800" {
		t.Fatalf("unexpected interest attributes %+v", distributed[0].Attributes)
	}

	if err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(100_000), env.supplier); !errors.Is(err, ErrAlreadyRepaid) {
		t.Fatalf("expected ErrAlreadyRepaid, got %v", err)
	}
}

func TestLateRepaymentScenario(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	req := env.request(t, 2, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("withdraw financing: %v", err)
	}
	env.now = req.DueDate + 10*day

	quote, err := env.engine.QuoteRepayment(req.InvoiceID)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	requireAmount(t, "late fee", quote.LateFee, 10_000)
	requireAmount(t, "required", quote.RequiredAmount, 110_000)

	if err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(109_999), env.supplier); !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}
	env.gateway.fund(env.supplier, 12_000)
	if err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(110_000), env.supplier); err != nil {
		t.Fatalf("repay: %v", err)
	}
	status := env.status(t)
	requireAmount(t, "protocol fee", env.gateway.balance(env.feeReceiver), 1_200)
	requireAmount(t, "interest earned", status.InterestEarned, 12_000)
	requireAmount(t, "total", status.Total, 1_010_800)
	requireAmount(t, "available", status.Available, 1_010_800)
}

func TestRepayRefundsExcess(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	req := env.request(t, 3, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("withdraw financing: %v", err)
	}
	payer := [20]byte{0x33}
	env.gateway.fund(payer, 105_000)
	if err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(105_000), payer); err != nil {
		t.Fatalf("repay: %v", err)
	}
	requireAmount(t, "refund", env.gateway.balance(payer), 5_000)

	repaid := env.recorder.OfType(EventTypeRepayment)
	if len(repaid) != 1 {
		t.Fatalf("expected one repayment event, got %d", len(repaid))
	}
	want := map[string]string{
		"amount":         "105000",
		"payoutAmount":   "98000",
		"requiredAmount": "100000",
		"lateFee":        "0",
		"refund":         "5000",
	}
	for key, value := range want {
		if got := repaid[0].Attr(key); got != value {
			t.Fatalf("repayment %s = %q, want %q", key, got, value)
		}
	}
}

func TestRepayRefundFailureRevertsEverything(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	req := env.request(t, 4, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("withdraw financing: %v", err)
	}
	before := env.status(t)
	env.recorder.Reset()

	payer := [20]byte{0x44}
	env.gateway.fund(payer, 101_000)
	env.gateway.fail(payer, errors.New("refund bounced"))
	err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(101_000), payer)
	if !errors.Is(err, ErrTransferFailed) || FieldOf(err) != "refund" {
		t.Fatalf("expected refund transfer failure, got %v", err)
	}
	requireSameStatus(t, before, env.status(t))
	if status, _ := env.engine.InvoiceStatus(req.InvoiceID); status != StatusFinanced {
		t.Fatalf("repayment should have been reverted, status %s", status)
	}
	requireAmount(t, "fee receiver after reversal", env.gateway.balance(env.feeReceiver), 0)
	if env.gateway.reversed != 1 {
		t.Fatalf("expected protocol fee reversal, got %d", env.gateway.reversed)
	}
	if env.gateway.restored != 1 {
		t.Fatalf("expected collected repayment to be restored, got %d", env.gateway.restored)
	}
	requireAmount(t, "payer after restore", env.gateway.balance(payer), 101_000)
	if len(env.recorder.Events()) != 0 {
		t.Fatalf("reverted repayment emitted events")
	}

	env.gateway.fail(payer, nil)
	if err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(101_000), payer); err != nil {
		t.Fatalf("retry repay: %v", err)
	}
	requireAmount(t, "payer after retry", env.gateway.balance(payer), 1_000)
	env.status(t)
}

func TestUnfundedPayerCannotDepositOrRepay(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	req := env.request(t, 6, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("withdraw financing: %v", err)
	}
	before := env.status(t)
	env.recorder.Reset()
	payer := [20]byte{0x55}

	err := env.engine.Deposit(ctx, payer, big.NewInt(10_000))
	if !errors.Is(err, ErrCollectionFailed) || KindOf(err) != KindTransferFailure || FieldOf(err) != "amount" {
		t.Fatalf("expected deposit collection failure, got %v", err)
	}
	if balance, _ := env.engine.LPBalance(payer); balance.Sign() != 0 {
		t.Fatalf("unfunded deposit credited %s", balance)
	}

	err = env.engine.Repay(ctx, req.InvoiceID, big.NewInt(105_000), payer)
	if !errors.Is(err, ErrCollectionFailed) || FieldOf(err) != "amount" {
		t.Fatalf("expected repayment collection failure, got %v", err)
	}
	if status, _ := env.engine.InvoiceStatus(req.InvoiceID); status != StatusFinanced {
		t.Fatalf("unfunded repayment settled the invoice, status %s", status)
	}
	requireSameStatus(t, before, env.status(t))
	requireAmount(t, "fee receiver", env.gateway.balance(env.feeReceiver), 0)
	requireAmount(t, "payer refund", env.gateway.balance(payer), 0)
	if len(env.recorder.Events()) != 0 {
		t.Fatalf("failed collections emitted events")
	}

	env.gateway.fund(payer, 3_000)
	err = env.engine.Repay(ctx, req.InvoiceID, big.NewInt(3_000), payer)
	if !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}
	requireAmount(t, "payer untouched", env.gateway.balance(payer), 3_000)
}

func TestRepayUnknownInvoice(t *testing.T) {
	env := newEngineEnv(t, 1_000)
	err := env.engine.Repay(context.Background(), InvoiceIDFromUint64(77), big.NewInt(1), env.supplier)
	if !errors.Is(err, ErrInvoiceNotFinanced) || KindOf(err) != KindStateConflict {
		t.Fatalf("expected ErrInvoiceNotFinanced, got %v", err)
	}
}

func TestDuplicateFinancingLeavesStateIdentical(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	req := env.request(t, 5, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	before := env.status(t)
	record, _ := env.engine.FinancingRecord(req.InvoiceID)

	err := env.engine.WithdrawFinancing(ctx, req, env.supplier)
	if !errors.Is(err, ErrInvoiceAlreadyFinanced) {
		t.Fatalf("expected ErrInvoiceAlreadyFinanced, got %v", err)
	}
	requireSameStatus(t, before, env.status(t))
	again, _ := env.engine.FinancingRecord(req.InvoiceID)
	if again.CreatedAt != record.CreatedAt || again.PayoutAmount.Cmp(record.PayoutAmount) != 0 {
		t.Fatalf("record changed: %+v -> %+v", record, again)
	}
	requireAmount(t, "supplier payout", env.gateway.balance(env.supplier), 98_000)

	// A different nonce for the same invoice is still rejected.
	other := env.request(t, 5, 50_000, 60_000)
	other.Nonce = big.NewInt(99)
	sig, _ := SignAuthorization(env.authorizerKey, env.engine.Verifier().Domain(), other.Authorization(env.supplier))
	other.Signature = sig
	if err := env.engine.WithdrawFinancing(ctx, other, env.supplier); !errors.Is(err, ErrInvoiceAlreadyFinanced) {
		t.Fatalf("expected ErrInvoiceAlreadyFinanced, got %v", err)
	}
}

func TestFinancingRejections(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	wrongKey, _ := mustKey(t)

	cases := []struct {
		name  string
		build func() FinancingRequest
		want  error
	}{
		{
			name: "expired authorization",
			build: func() FinancingRequest {
				req := env.request(t, 10, 98_000, 100_000)
				req.Deadline = env.now - 1
				sig, _ := SignAuthorization(env.authorizerKey, env.engine.Verifier().Domain(), req.Authorization(env.supplier))
				req.Signature = sig
				return req
			},
			want: ErrSignatureExpired,
		},
		{
			name:  "wrong signer",
			build: func() FinancingRequest { return env.signedRequest(t, wrongKey, 11, 98_000, 100_000) },
			want:  ErrInvalidSignature,
		},
		{
			name:  "insufficient liquidity",
			build: func() FinancingRequest { return env.request(t, 12, 1_000_001, 1_100_000) },
			want:  ErrInsufficientLiquidity,
		},
		{
			name:  "repayment not above payout",
			build: func() FinancingRequest { return env.request(t, 13, 98_000, 98_000) },
			want:  ErrInvalidTerms,
		},
		{
			name: "due date in the past",
			build: func() FinancingRequest {
				req := env.request(t, 14, 98_000, 100_000)
				req.DueDate = env.now
				sig, _ := SignAuthorization(env.authorizerKey, env.engine.Verifier().Domain(), req.Authorization(env.supplier))
				req.Signature = sig
				return req
			},
			want: ErrInvalidDueDate,
		},
		{
			name: "tampered payout",
			build: func() FinancingRequest {
				req := env.request(t, 15, 98_000, 100_000)
				req.PayoutAmount = big.NewInt(99_000)
				return req
			},
			want: ErrInvalidSignature,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := env.status(t)
			req := tc.build()
			err := env.engine.WithdrawFinancing(ctx, req, env.supplier)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			requireSameStatus(t, before, env.status(t))
			if used, _ := env.engine.IsInvoiceUsed(req.InvoiceID); used {
				t.Fatalf("rejected invoice marked used")
			}
		})
	}

	// Submitting someone else's authorization fails because the supplier is signed.
	req := env.request(t, 16, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, req, [20]byte{0x99}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for foreign caller, got %v", err)
	}
}

func TestFinancingTransferFailureReleasesInvoice(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	before := env.status(t)
	req := env.request(t, 20, 98_000, 100_000)

	env.gateway.fail(env.supplier, errors.New("payout rejected"))
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	requireSameStatus(t, before, env.status(t))
	if used, _ := env.engine.IsInvoiceUsed(req.InvoiceID); used {
		t.Fatalf("invoice consumed despite failed payout")
	}
	if record, _ := env.engine.FinancingRecord(req.InvoiceID); record != nil {
		t.Fatalf("record persisted despite failed payout")
	}

	env.gateway.fail(env.supplier, nil)
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestReentrantCallsAreBlocked(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	req := env.request(t, 30, 98_000, 100_000)

	var (
		reentryErrs []error
		observedUse bool
		inProgress  bool
	)
	env.gateway.hook = func(hookCtx context.Context, to [20]byte, amount *big.Int) {
		if to != env.supplier {
			return
		}
		inProgress = env.engine.InProgress()
		observedUse, _ = env.engine.IsInvoiceUsed(req.InvoiceID)
		reentryErrs = append(reentryErrs,
			env.engine.WithdrawFinancing(hookCtx, req, env.supplier),
			env.engine.Withdraw(hookCtx, env.lp, big.NewInt(1)),
			env.engine.Deposit(hookCtx, env.supplier, big.NewInt(1)),
			env.engine.Repay(hookCtx, req.InvoiceID, big.NewInt(100_000), env.supplier),
			env.engine.SetProtocolFeeRate(hookCtx, env.admin, 0),
		)
	}

	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("withdraw financing: %v", err)
	}
	if !inProgress {
		t.Fatalf("expected in-progress flag during transfer")
	}
	if !observedUse {
		t.Fatalf("ledger must be committed before the transfer")
	}
	for i, err := range reentryErrs {
		if !errors.Is(err, ErrReentrancyBlocked) || KindOf(err) != KindReentrancy {
			t.Fatalf("reentrant call %d: expected ErrReentrancyBlocked, got %v", i, err)
		}
	}
	status := env.status(t)
	requireAmount(t, "available", status.Available, 902_000)
	requireAmount(t, "supplier payout", env.gateway.balance(env.supplier), 98_000)
	if env.engine.InProgress() {
		t.Fatalf("in-progress flag not cleared")
	}
}

func TestReentryWithFreshContextFailsFast(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	req := env.request(t, 31, 98_000, 100_000)

	var reentryErrs []error
	env.gateway.hook = func(_ context.Context, to [20]byte, amount *big.Int) {
		if to != env.supplier {
			return
		}
		ctx := context.Background()
		reentryErrs = append(reentryErrs,
			env.engine.WithdrawFinancing(ctx, req, env.supplier),
			env.engine.Withdraw(ctx, env.lp, big.NewInt(1)),
			env.engine.Pause(ctx, env.admin),
		)
	}

	done := make(chan error, 1)
	go func() { done <- env.engine.WithdrawFinancing(context.Background(), req, env.supplier) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("withdraw financing: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reentrant call without the guarded context deadlocked")
	}
	if len(reentryErrs) != 3 {
		t.Fatalf("hook ran %d calls", len(reentryErrs))
	}
	for i, err := range reentryErrs {
		if !errors.Is(err, ErrReentrancyBlocked) {
			t.Fatalf("reentrant call %d: expected ErrReentrancyBlocked, got %v", i, err)
		}
	}
	if env.status(t).Paused {
		t.Fatalf("blocked pause took effect")
	}

	env.gateway.hook = nil
	env.gateway.fund(env.lp, 1)
	if err := env.engine.Deposit(context.Background(), env.lp, big.NewInt(1)); err != nil {
		t.Fatalf("engine unusable after blocked reentry: %v", err)
	}
}

func TestAdminOperations(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	outsider := [20]byte{0x77}

	if err := env.engine.SetProtocolFeeRate(ctx, outsider, 500); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.SetProtocolFeeRate(ctx, env.admin, MaxProtocolFeeBps+1); !errors.Is(err, ErrFeeRateTooHigh) {
		t.Fatalf("expected ErrFeeRateTooHigh, got %v", err)
	}
	if err := env.engine.SetProtocolFeeRate(ctx, env.admin, MaxProtocolFeeBps); err != nil {
		t.Fatalf("set fee rate: %v", err)
	}
	if err := env.engine.SetFeeReceiver(ctx, env.admin, [20]byte{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	newReceiver := [20]byte{0xf1}
	if err := env.engine.SetFeeReceiver(ctx, env.admin, newReceiver); err != nil {
		t.Fatalf("set fee receiver: %v", err)
	}
	status := env.status(t)
	if status.ProtocolFeeRateBps != MaxProtocolFeeBps || status.ProtocolFeeReceiver != newReceiver {
		t.Fatalf("unexpected pool config %+v", status)
	}

	req := env.request(t, 40, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, req, env.supplier); err != nil {
		t.Fatalf("withdraw financing: %v", err)
	}
	env.gateway.fund(env.supplier, 2_000)
	if err := env.engine.Repay(ctx, req.InvoiceID, big.NewInt(100_000), env.supplier); err != nil {
		t.Fatalf("repay: %v", err)
	}
	requireAmount(t, "fee at 50%", env.gateway.balance(newReceiver), 1_000)

	if len(env.recorder.OfType(EventTypeFeeRateUpdated)) != 1 || len(env.recorder.OfType(EventTypeFeeReceiverUpdated)) != 1 {
		t.Fatalf("missing admin events")
	}
}

func TestRotateAuthorizer(t *testing.T) {
	env := newEngineEnv(t, 1_000_000)
	ctx := context.Background()
	nextKey, next := mustKey(t)

	if err := env.engine.RotateAuthorizer(ctx, env.authorizer, next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.RotateAuthorizer(ctx, env.admin, next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if current, _ := env.engine.Authorizer(); current != next {
		t.Fatalf("authorizer not rotated")
	}
	if ok, _ := env.engine.HasRole(RoleAuthorizer, env.authorizer); ok {
		t.Fatalf("previous authorizer still holds role")
	}

	stale := env.request(t, 50, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, stale, env.supplier); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected stale authorizer rejection, got %v", err)
	}
	fresh := env.signedRequest(t, nextKey, 50, 98_000, 100_000)
	if err := env.engine.WithdrawFinancing(ctx, fresh, env.supplier); err != nil {
		t.Fatalf("fresh authorizer: %v", err)
	}
	updates := env.recorder.OfType(EventTypeAuthorizerUpdated)
	if len(updates) != 1 || updates[0].Attr("next") == "" {
		t.Fatalf("unexpected authorizer events %+v", updates)
	}
}

func TestPauseBlocksValueMovement(t *testing.T) {
	env := newEngineEnv(t, 1_000)
	ctx := context.Background()
	if err := env.engine.Pause(ctx, env.lp); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.Pause(ctx, env.admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.engine.Deposit(ctx, env.lp, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if err := env.engine.Withdraw(ctx, env.lp, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	status := env.status(t)
	if !status.Paused {
		t.Fatalf("status should report paused")
	}
	if err := env.engine.Resume(ctx, env.admin); err != nil {
		t.Fatalf("resume: %v", err)
	}
	env.gateway.fund(env.lp, 1)
	if err := env.engine.Deposit(ctx, env.lp, big.NewInt(1)); err != nil {
		t.Fatalf("deposit after resume: %v", err)
	}
}

func TestInitializeOnce(t *testing.T) {
	env := newEngineEnv(t, 0)
	err := env.engine.Initialize(context.Background(), InitParams{Admin: env.admin, Authorizer: env.authorizer})
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeSeedsLiquidity(t *testing.T) {
	verifier, _ := NewVerifier(testDomain())
	gateway := newFakeGateway()
	engine, err := NewEngine(storage.NewMemDB(), verifier, gateway)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := engine.PoolStatus(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	admin := [20]byte{0x01}
	gateway.fund(admin, 5_000)
	if err := engine.Initialize(context.Background(), InitParams{
		Admin:              admin,
		Authorizer:         [20]byte{0x02},
		ProtocolFeeRateBps: MaxProtocolFeeBps + 1,
	}); !errors.Is(err, ErrFeeRateTooHigh) {
		t.Fatalf("expected ErrFeeRateTooHigh, got %v", err)
	}
	if err := engine.Initialize(context.Background(), InitParams{
		Admin:              admin,
		Authorizer:         [20]byte{0x02},
		ProtocolFeeRateBps: DefaultProtocolFeeBps,
		InitialLiquidity:   big.NewInt(5_000),
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	status, err := engine.PoolStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireAmount(t, "total", status.Total, 5_000)
	if status.ProtocolFeeReceiver != admin {
		t.Fatalf("fee receiver should default to admin")
	}
	balance, _ := engine.LPBalance(admin)
	requireAmount(t, "admin position", balance, 5_000)
	requireAmount(t, "admin wallet", gateway.balance(admin), 0)
	requireAmount(t, "pool funds", gateway.held(), 5_000)
}

func TestInitializeWithoutSeedFundsFails(t *testing.T) {
	verifier, _ := NewVerifier(testDomain())
	engine, err := NewEngine(storage.NewMemDB(), verifier, newFakeGateway())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	params := InitParams{Admin: [20]byte{0x01}, Authorizer: [20]byte{0x02}, InitialLiquidity: big.NewInt(5_000)}
	err = engine.Initialize(context.Background(), params)
	if !errors.Is(err, ErrCollectionFailed) || FieldOf(err) != "initialLiquidity" {
		t.Fatalf("expected seed collection failure, got %v", err)
	}
	if _, err := engine.PoolStatus(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("failed initialization left a pool behind: %v", err)
	}
}

func TestLiquidityInvariantUnderRandomOperations(t *testing.T) {
	env := newEngineEnv(t, 500_000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	env.gateway.fund(env.lp, 1_000_000_000)
	env.gateway.fund(env.supplier, 1_000_000_000)
	var financed []InvoiceID
	next := uint64(1_000)

	for i := 0; i < 200; i++ {
		switch rng.Intn(4) {
		case 0:
			_ = env.engine.Deposit(ctx, env.lp, big.NewInt(rng.Int63n(50_000)+1))
		case 1:
			_ = env.engine.Withdraw(ctx, env.lp, big.NewInt(rng.Int63n(80_000)+1))
		case 2:
			payout := rng.Int63n(120_000) + 1
			req := env.request(t, next, payout, payout+rng.Int63n(5_000)+1)
			next++
			if env.engine.WithdrawFinancing(ctx, req, env.supplier) == nil {
				financed = append(financed, req.InvoiceID)
			}
		case 3:
			if len(financed) == 0 {
				continue
			}
			id := financed[0]
			financed = financed[1:]
			quote, err := env.engine.QuoteRepayment(id)
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if err := env.engine.Repay(ctx, id, quote.RequiredAmount, env.supplier); err != nil {
				t.Fatalf("repay: %v", err)
			}
		}
		env.now += 3_600
		env.status(t)
	}
}
