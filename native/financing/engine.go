package financing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"invoicefi/core/events"
	"invoicefi/core/state"
	"invoicefi/core/types"
	nativecommon "invoicefi/native/common"
	"invoicefi/storage"
)

// ModuleName identifies the financing module for pause checks and telemetry.
const ModuleName = "financing"

// Metrics receives per-operation outcomes and pool gauges.
type Metrics interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
	ObservePool(total, available, financed, interestEarned *big.Int)
}

type guardKey struct{}

// InitParams seeds the pool and role set.
type InitParams struct {
	Admin               [20]byte
	Authorizer          [20]byte
	ProtocolFeeReceiver [20]byte
	ProtocolFeeRateBps  uint64
	InitialLiquidity    *big.Int
}

// Engine is the financing state machine. Every mutating operation is
// serialised, staged in a journal, committed before any value moves and
// reverted as a unit if a collection or transfer fails.
type Engine struct {
	mu           sync.Mutex
	entered      atomic.Bool
	transferring atomic.Bool

	journal  *state.Journal
	ledger   *Ledger
	access   *AccessControl
	reader   *Ledger
	roles    *AccessControl
	verifier *Verifier
	gateway  TransferGateway

	emitter events.Emitter
	nowFn   func() time.Time
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewEngine constructs an engine over db. Queries read committed state only.
func NewEngine(db storage.Database, verifier *Verifier, gateway TransferGateway) (*Engine, error) {
	if db == nil {
		return nil, errors.New("financing: database required")
	}
	if verifier == nil {
		return nil, errors.New("financing: verifier required")
	}
	if gateway == nil {
		return nil, errors.New("financing: transfer gateway required")
	}
	journal := state.NewJournal(db)
	view := readOnlyState{view: journal.View()}
	return &Engine{
		journal:  journal,
		ledger:   NewLedger(journal),
		access:   NewAccessControl(journal),
		reader:   NewLedger(view),
		roles:    NewAccessControl(view),
		verifier: verifier,
		gateway:  gateway,
		emitter:  events.NoopEmitter{},
		nowFn:    time.Now,
		logger:   slog.Default().With("component", ModuleName),
		tracer:   otel.Tracer("invoicefi/native/financing"),
	}, nil
}

// SetEmitter configures the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock, primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With("component", ModuleName)
}

// SetMetrics configures the metrics sink. Nil disables metrics.
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// Verifier exposes the bound authorization verifier.
func (e *Engine) Verifier() *Verifier { return e.verifier }

// InProgress reports whether a protected operation is executing.
func (e *Engine) InProgress() bool { return e.entered.Load() }

func (e *Engine) now() uint64 {
	ts := e.nowFn().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

type movement struct {
	account [20]byte
	amount  *big.Int
	field   string
}

type effects struct {
	collections []movement
	transfers   []movement
	events      []*types.Event
}

// collect pulls amount from an external account into the pool before any
// payout of the same operation runs.
func (fx *effects) collect(from [20]byte, amount *big.Int, field string) {
	if !positive(amount) {
		return
	}
	fx.collections = append(fx.collections, movement{account: from, amount: cloneBig(amount), field: field})
}

func (fx *effects) pay(to [20]byte, amount *big.Int, field string) {
	if !positive(amount) {
		return
	}
	fx.transfers = append(fx.transfers, movement{account: to, amount: cloneBig(amount), field: field})
}

func (fx *effects) emit(evt *types.Event) { fx.events = append(fx.events, evt) }

// execute runs stage against the journal under the engine lock. Staged writes
// are discarded on error, committed otherwise, and reverted if any collection
// or outbound transfer fails. Calls arriving while value is moving are
// rejected before the lock so a gateway callback cannot deadlock the engine.
func (e *Engine) execute(ctx context.Context, op string, stage func(now uint64, fx *effects) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if owner, _ := ctx.Value(guardKey{}).(*Engine); owner == e || e.transferring.Load() {
		err = newError(ErrReentrancyBlocked, "")
		e.logger.Warn("reentrant call blocked", "operation", op)
		e.observe(op, start, err)
		return err
	}
	ctx, span := e.tracer.Start(ctx, "financing."+op, trace.WithAttributes(attribute.String("financing.operation", op)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, KindOf(err).String())
		}
		span.End()
	}()

	e.mu.Lock()
	e.entered.Store(true)
	defer func() {
		e.entered.Store(false)
		e.mu.Unlock()
	}()

	fx := &effects{}
	err = stage(e.now(), fx)
	if err == nil {
		err = e.stamp(fx.events)
	}
	if err != nil {
		e.journal.Discard()
		e.logger.Info("operation rejected", "operation", op, "kind", KindOf(err).String(), "field", FieldOf(err), "error", err)
		e.observe(op, start, err)
		return err
	}
	undo, err := e.journal.Commit()
	if err != nil {
		e.journal.Discard()
		err = fmt.Errorf("financing: commit %s: %w", op, err)
		e.logger.Error("commit failed", "operation", op, "error", err)
		e.observe(op, start, err)
		return err
	}

	e.transferring.Store(true)
	err = e.settle(context.WithValue(ctx, guardKey{}, e), op, fx)
	e.transferring.Store(false)
	if err != nil {
		if rerr := undo.Revert(); rerr != nil {
			e.logger.Error("revert failed", "operation", op, "error", rerr)
			err = errors.Join(err, rerr)
		} else {
			e.logger.Warn("operation reverted", "operation", op, "field", FieldOf(err), "error", err)
		}
		e.observe(op, start, err)
		return err
	}

	for _, evt := range fx.events {
		e.emitter.Emit(financingEvent{evt: evt})
	}
	e.logger.Info("operation committed", "operation", op,
		"collections", len(fx.collections), "transfers", len(fx.transfers), "events", len(fx.events))
	e.observe(op, start, nil)
	return nil
}

// stamp assigns each staged event its ledger sequence. The counter is part of
// the staged writes, so a reverted operation gives its numbers back.
func (e *Engine) stamp(evts []*types.Event) error {
	for _, evt := range evts {
		seq, err := e.ledger.NextEventSequence()
		if err != nil {
			return err
		}
		if evt.Attributes == nil {
			evt.Attributes = make(map[string]string, 1)
		}
		evt.Attributes[EventSequenceAttr] = strconv.FormatUint(seq, 10)
	}
	return nil
}

// settle collects inbound funds and then pays outbound transfers. On failure
// every completed movement is undone in reverse order.
func (e *Engine) settle(ctx context.Context, op string, fx *effects) error {
	for i, c := range fx.collections {
		if err := e.gateway.Collect(ctx, c.account, cloneBig(c.amount)); err != nil {
			e.restore(ctx, op, fx.collections[:i])
			return wrapError(ErrCollectionFailed, c.field, err)
		}
	}
	for i, t := range fx.transfers {
		if err := e.gateway.Transfer(ctx, t.account, cloneBig(t.amount)); err != nil {
			e.compensate(ctx, op, fx.transfers[:i])
			e.restore(ctx, op, fx.collections)
			return wrapError(ErrTransferFailed, t.field, err)
		}
	}
	return nil
}

func (e *Engine) compensate(ctx context.Context, op string, done []movement) {
	if len(done) == 0 {
		return
	}
	comp, ok := e.gateway.(Compensator)
	if !ok {
		e.logger.Error("completed transfers cannot be reversed", "operation", op, "count", len(done))
		return
	}
	for i := len(done) - 1; i >= 0; i-- {
		if err := comp.Reverse(ctx, done[i].account, cloneBig(done[i].amount)); err != nil {
			e.logger.Error("transfer reversal failed", "operation", op, "field", done[i].field, "error", err)
		}
	}
}

// restore hands collected funds back to their payers. Gateways without a
// Compensator return them with an ordinary transfer.
func (e *Engine) restore(ctx context.Context, op string, done []movement) {
	comp, _ := e.gateway.(Compensator)
	for i := len(done) - 1; i >= 0; i-- {
		var err error
		if comp != nil {
			err = comp.Restore(ctx, done[i].account, cloneBig(done[i].amount))
		} else {
			err = e.gateway.Transfer(ctx, done[i].account, cloneBig(done[i].amount))
		}
		if err != nil {
			e.logger.Error("collection restore failed", "operation", op, "field", done[i].field, "error", err)
		}
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	e.metrics.ObserveOperation(op, outcome, time.Since(start))
	if err == nil {
		if pool, ok, perr := e.reader.Pool(); perr == nil && ok {
			e.metrics.ObservePool(pool.TotalPoolSize, pool.AvailableLiquidity, pool.TotalFinanced, pool.TotalInterestEarned)
		}
	}
}

// IsPaused implements the module pause view over staged role state.
func (e *Engine) IsPaused(module string) bool {
	if module != ModuleName {
		return false
	}
	paused, err := e.access.Paused()
	return err == nil && paused
}

func (e *Engine) requireActive() error {
	if err := nativecommon.Guard(e, ModuleName); err != nil {
		return wrapError(ErrPaused, "", err)
	}
	return nil
}

// Initialize creates the pool and role set. Seeded liquidity is collected from
// the admin and attributed to it.
func (e *Engine) Initialize(ctx context.Context, params InitParams) error {
	return e.execute(ctx, "initialize", func(now uint64, fx *effects) error {
		if _, exists, err := e.ledger.Pool(); err != nil {
			return err
		} else if exists {
			return newError(ErrAlreadyInitialized, "")
		}
		if params.ProtocolFeeRateBps > MaxProtocolFeeBps {
			return newError(ErrFeeRateTooHigh, "protocolFeeRateBps")
		}
		if err := e.access.initialize(params.Admin, params.Authorizer); err != nil {
			return err
		}
		receiver := params.ProtocolFeeReceiver
		if receiver == ([20]byte{}) {
			receiver = params.Admin
		}
		if err := e.ledger.PutPool(&Pool{
			ProtocolFeeRateBps:  params.ProtocolFeeRateBps,
			ProtocolFeeReceiver: receiver,
		}); err != nil {
			return err
		}
		if positive(params.InitialLiquidity) {
			if err := e.ledger.Credit(params.Admin, params.InitialLiquidity); err != nil {
				return err
			}
			fx.collect(params.Admin, params.InitialLiquidity, "initialLiquidity")
			fx.emit(NewDepositEvent(params.Admin, params.InitialLiquidity))
		}
		fx.emit(NewAuthorizerUpdatedEvent([20]byte{}, params.Authorizer))
		return nil
	})
}

// Deposit collects amount from account and credits it to the account's LP
// position.
func (e *Engine) Deposit(ctx context.Context, account [20]byte, amount *big.Int) error {
	return e.execute(ctx, "deposit", func(now uint64, fx *effects) error {
		if account == ([20]byte{}) {
			return newError(ErrInvalidIdentity, "account")
		}
		if err := e.requireActive(); err != nil {
			return err
		}
		if err := e.ledger.Credit(account, amount); err != nil {
			return err
		}
		fx.collect(account, amount, "amount")
		fx.emit(NewDepositEvent(account, amount))
		return nil
	})
}

// Withdraw debits account and transfers amount back to it.
func (e *Engine) Withdraw(ctx context.Context, account [20]byte, amount *big.Int) error {
	return e.execute(ctx, "withdraw", func(now uint64, fx *effects) error {
		if account == ([20]byte{}) {
			return newError(ErrInvalidIdentity, "account")
		}
		if err := e.requireActive(); err != nil {
			return err
		}
		if err := e.ledger.Debit(account, amount); err != nil {
			return err
		}
		fx.pay(account, amount, "amount")
		fx.emit(NewWithdrawalEvent(account, amount))
		return nil
	})
}

// WithdrawFinancing pays an authorized advance against an invoice to caller.
// The invoice is consumed only if the payout transfer succeeds.
func (e *Engine) WithdrawFinancing(ctx context.Context, req FinancingRequest, caller [20]byte) error {
	return e.execute(ctx, "withdraw_financing", func(now uint64, fx *effects) error {
		if caller == ([20]byte{}) {
			return newError(ErrInvalidIdentity, "caller")
		}
		if err := e.requireActive(); err != nil {
			return err
		}
		used, err := e.ledger.IsInvoiceUsed(req.InvoiceID)
		if err != nil {
			return err
		}
		if used {
			return newError(ErrInvoiceAlreadyFinanced, "invoiceId")
		}
		if now > req.Deadline {
			return newError(ErrSignatureExpired, "deadline")
		}
		if !positive(req.PayoutAmount) {
			return newError(ErrInvalidAmount, "payoutAmount")
		}
		pool, err := e.ledger.mustPool()
		if err != nil {
			return err
		}
		if req.PayoutAmount.Cmp(pool.AvailableLiquidity) > 0 {
			return newError(ErrInsufficientLiquidity, "payoutAmount")
		}
		if req.RepaymentAmount == nil || req.RepaymentAmount.Cmp(req.PayoutAmount) <= 0 {
			return newError(ErrInvalidTerms, "repaymentAmount")
		}
		if req.DueDate <= now {
			return newError(ErrInvalidDueDate, "dueDate")
		}
		authorizer, err := e.access.Authorizer()
		if err != nil {
			return err
		}
		if _, err := e.verifier.Verify(req.Authorization(caller), req.Signature, authorizer, now); err != nil {
			return err
		}

		if err := e.ledger.MarkInvoiceUsed(req.InvoiceID); err != nil {
			return err
		}
		if err := e.ledger.Reserve(req.PayoutAmount); err != nil {
			return err
		}
		record := &FinancingRecord{
			InvoiceID:       req.InvoiceID,
			Supplier:        caller,
			PayoutAmount:    cloneBig(req.PayoutAmount),
			RepaymentAmount: cloneBig(req.RepaymentAmount),
			DueDate:         req.DueDate,
			CreatedAt:       now,
		}
		if err := e.ledger.CreateRecord(record); err != nil {
			return err
		}
		fx.pay(caller, req.PayoutAmount, "payoutAmount")
		fx.emit(NewWithdrawnEvent(record))
		return nil
	})
}

// Repay collects supplied from caller and settles invoice id. The protocol fee
// is forwarded to the fee receiver and any excess is refunded to caller out of
// the collected funds.
func (e *Engine) Repay(ctx context.Context, id InvoiceID, supplied *big.Int, caller [20]byte) error {
	return e.execute(ctx, "repay", func(now uint64, fx *effects) error {
		if caller == ([20]byte{}) {
			return newError(ErrInvalidIdentity, "caller")
		}
		if err := e.requireActive(); err != nil {
			return err
		}
		used, err := e.ledger.IsInvoiceUsed(id)
		if err != nil {
			return err
		}
		if !used {
			return newError(ErrInvoiceNotFinanced, "invoiceId")
		}
		record, ok, err := e.ledger.Record(id)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrInvoiceNotFinanced, "invoiceId")
		}
		if record.Repaid {
			return newError(ErrAlreadyRepaid, "invoiceId")
		}
		pool, err := e.ledger.mustPool()
		if err != nil {
			return err
		}
		quote := QuoteRepayment(record, pool.ProtocolFeeRateBps, now)
		if supplied == nil || supplied.Cmp(quote.RequiredAmount) < 0 {
			return newError(ErrInsufficientRepayment, "amount")
		}

		if _, err := e.ledger.MarkRepaid(id); err != nil {
			return err
		}
		if err := e.ledger.Release(record.PayoutAmount, quote.LPInterest, quote.TotalInterest); err != nil {
			return err
		}
		fx.collect(caller, supplied, "amount")
		fx.pay(pool.ProtocolFeeReceiver, quote.ProtocolFee, "protocolFee")
		fx.pay(caller, new(big.Int).Sub(supplied, quote.RequiredAmount), "refund")
		fx.emit(NewRepaymentEvent(record, caller, supplied, quote))
		fx.emit(NewInterestDistributedEvent(id, quote))
		return nil
	})
}

// RotateAuthorizer hands the authorizer role to next.
func (e *Engine) RotateAuthorizer(ctx context.Context, caller, next [20]byte) error {
	return e.execute(ctx, "rotate_authorizer", func(now uint64, fx *effects) error {
		previous, err := e.access.RotateAuthorizer(caller, next)
		if err != nil {
			return err
		}
		fx.emit(NewAuthorizerUpdatedEvent(previous, next))
		return nil
	})
}

// SetProtocolFeeRate updates the protocol share of realised interest.
func (e *Engine) SetProtocolFeeRate(ctx context.Context, caller [20]byte, rateBps uint64) error {
	return e.execute(ctx, "set_fee_rate", func(now uint64, fx *effects) error {
		if err := e.access.RequireAdmin(caller); err != nil {
			return err
		}
		if rateBps > MaxProtocolFeeBps {
			return newError(ErrFeeRateTooHigh, "rateBps")
		}
		pool, err := e.ledger.mustPool()
		if err != nil {
			return err
		}
		previous := pool.ProtocolFeeRateBps
		pool.ProtocolFeeRateBps = rateBps
		if err := e.ledger.PutPool(pool); err != nil {
			return err
		}
		fx.emit(NewFeeRateUpdatedEvent(previous, rateBps))
		return nil
	})
}

// SetFeeReceiver updates the protocol fee destination.
func (e *Engine) SetFeeReceiver(ctx context.Context, caller, receiver [20]byte) error {
	return e.execute(ctx, "set_fee_receiver", func(now uint64, fx *effects) error {
		if err := e.access.RequireAdmin(caller); err != nil {
			return err
		}
		if receiver == ([20]byte{}) {
			return newError(ErrInvalidIdentity, "receiver")
		}
		pool, err := e.ledger.mustPool()
		if err != nil {
			return err
		}
		previous := pool.ProtocolFeeReceiver
		pool.ProtocolFeeReceiver = receiver
		if err := e.ledger.PutPool(pool); err != nil {
			return err
		}
		fx.emit(NewFeeReceiverUpdatedEvent(previous, receiver))
		return nil
	})
}

// GrantAdmin adds an admin.
func (e *Engine) GrantAdmin(ctx context.Context, caller, admin [20]byte) error {
	return e.execute(ctx, "grant_admin", func(now uint64, fx *effects) error {
		changed, err := e.access.GrantAdmin(caller, admin)
		if err != nil {
			return err
		}
		if changed {
			fx.emit(NewAdminGrantedEvent(caller, admin))
		}
		return nil
	})
}

// RevokeAdmin removes an admin other than the last one.
func (e *Engine) RevokeAdmin(ctx context.Context, caller, admin [20]byte) error {
	return e.execute(ctx, "revoke_admin", func(now uint64, fx *effects) error {
		changed, err := e.access.RevokeAdmin(caller, admin)
		if err != nil {
			return err
		}
		if changed {
			fx.emit(NewAdminRevokedEvent(caller, admin))
		}
		return nil
	})
}

// Pause suspends deposits, withdrawals, financing and repayment.
func (e *Engine) Pause(ctx context.Context, caller [20]byte) error {
	return e.execute(ctx, "pause", func(now uint64, fx *effects) error {
		changed, err := e.access.SetPaused(caller, true)
		if err != nil {
			return err
		}
		if changed {
			fx.emit(NewPausedEvent(caller))
		}
		return nil
	})
}

// Resume lifts a pause.
func (e *Engine) Resume(ctx context.Context, caller [20]byte) error {
	return e.execute(ctx, "resume", func(now uint64, fx *effects) error {
		changed, err := e.access.SetPaused(caller, false)
		if err != nil {
			return err
		}
		if changed {
			fx.emit(NewResumedEvent(caller))
		}
		return nil
	})
}

// PoolStatus summarises committed pool state.
func (e *Engine) PoolStatus() (*PoolStatus, error) {
	pool, err := e.reader.mustPool()
	if err != nil {
		return nil, err
	}
	paused, err := e.roles.Paused()
	if err != nil {
		return nil, err
	}
	return &PoolStatus{
		Total:               cloneBig(pool.TotalPoolSize),
		Available:           cloneBig(pool.AvailableLiquidity),
		Utilized:            new(big.Int).Sub(pool.TotalPoolSize, pool.AvailableLiquidity),
		Financed:            cloneBig(pool.TotalFinanced),
		InterestEarned:      cloneBig(pool.TotalInterestEarned),
		ProtocolFeeRateBps:  pool.ProtocolFeeRateBps,
		ProtocolFeeReceiver: pool.ProtocolFeeReceiver,
		Paused:              paused,
	}, nil
}

// LPBalance returns the deposited amount recorded for account.
func (e *Engine) LPBalance(account [20]byte) (*big.Int, error) {
	return e.reader.Position(account)
}

// IsInvoiceUsed reports whether id has been financed.
func (e *Engine) IsInvoiceUsed(id InvoiceID) (bool, error) {
	return e.reader.IsInvoiceUsed(id)
}

// FinancingRecord returns the record for id, or nil when it was never
// financed.
func (e *Engine) FinancingRecord(id InvoiceID) (*FinancingRecord, error) {
	record, ok, err := e.reader.Record(id)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// InvoiceStatus reports the lifecycle position of id.
func (e *Engine) InvoiceStatus(id InvoiceID) (InvoiceStatus, error) {
	record, ok, err := e.reader.Record(id)
	if err != nil {
		return StatusUnfinanced, err
	}
	switch {
	case !ok:
		return StatusUnfinanced, nil
	case record.Repaid:
		return StatusRepaid, nil
	default:
		return StatusFinanced, nil
	}
}

// QuoteRepayment prices repayment of id at the current time.
func (e *Engine) QuoteRepayment(id InvoiceID) (*RepaymentQuote, error) {
	record, ok, err := e.reader.Record(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(ErrInvoiceNotFinanced, "invoiceId")
	}
	if record.Repaid {
		return nil, newError(ErrAlreadyRepaid, "invoiceId")
	}
	pool, err := e.reader.mustPool()
	if err != nil {
		return nil, err
	}
	quote := QuoteRepayment(record, pool.ProtocolFeeRateBps, e.now())
	return &quote, nil
}

// Authorizer returns the active authorizer identity.
func (e *Engine) Authorizer() ([20]byte, error) { return e.roles.Authorizer() }

// HasRole reports whether identity holds role.
func (e *Engine) HasRole(role Role, identity [20]byte) (bool, error) {
	return e.roles.HasRole(role, identity)
}

var errReadOnly = errors.New("financing: read-only state")

type committedReader interface {
	KVGet(key []byte, out interface{}) (bool, error)
}

// readOnlyState serves queries from committed state.
type readOnlyState struct {
	view committedReader
}

func (s readOnlyState) KVGet(key []byte, out interface{}) (bool, error) {
	return s.view.KVGet(key, out)
}

func (readOnlyState) KVPut([]byte, interface{}) error { return errReadOnly }

func (readOnlyState) KVDelete([]byte) error { return errReadOnly }
