package financing

import (
	"math/big"
	"strconv"

	"invoicefi/core/types"
	"invoicefi/crypto"
)

const (
	EventTypeDeposit             = "financing.deposit"
	EventTypeWithdrawal          = "financing.withdrawal"
	EventTypeWithdrawn           = "financing.withdrawn"
	EventTypeRepayment           = "financing.repayment"
	EventTypeInterestDistributed = "financing.interest_distributed"
	EventTypeAuthorizerUpdated   = "financing.authorizer_updated"
	EventTypeFeeRateUpdated      = "financing.fee_rate_updated"
	EventTypeFeeReceiverUpdated  = "financing.fee_receiver_updated"
	EventTypeAdminGranted        = "financing.admin_granted"
	EventTypeAdminRevoked        = "financing.admin_revoked"
	EventTypePaused              = "financing.paused"
	EventTypeResumed             = "financing.resumed"
)

// EventSequenceAttr carries the ledger-assigned position of a committed
// event. It is unique per ledger and survives restarts.
const EventSequenceAttr = "eventSeq"

// financingEvent adapts a types.Event to the emitter interfaces.
type financingEvent struct {
	evt *types.Event
}

func (e financingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e financingEvent) Event() *types.Event { return e.evt }

func formatAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return crypto.AccountAddress(addr).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

// NewDepositEvent is emitted after an LP deposit.
func NewDepositEvent(provider [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeDeposit, Attributes: map[string]string{
		"provider": formatAddress(provider),
		"amount":   formatAmount(amount),
	}}
}

// NewWithdrawalEvent is emitted after an LP withdrawal.
func NewWithdrawalEvent(provider [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeWithdrawal, Attributes: map[string]string{
		"provider": formatAddress(provider),
		"amount":   formatAmount(amount),
	}}
}

// NewWithdrawnEvent is emitted after an authorized invoice payout.
func NewWithdrawnEvent(record *FinancingRecord) *types.Event {
	return &types.Event{Type: EventTypeWithdrawn, Attributes: map[string]string{
		"invoiceId":       record.InvoiceID.String(),
		"supplier":        formatAddress(record.Supplier),
		"payoutAmount":    formatAmount(record.PayoutAmount),
		"repaymentAmount": formatAmount(record.RepaymentAmount),
		"dueDate":         formatUint(record.DueDate),
		"createdAt":       formatUint(record.CreatedAt),
	}}
}

// NewRepaymentEvent is emitted when an invoice is settled. Principal plus
// the LP share of interest returns to available liquidity.
func NewRepaymentEvent(record *FinancingRecord, payer [20]byte, amount *big.Int, quote RepaymentQuote) *types.Event {
	refund := new(big.Int)
	if amount != nil && quote.RequiredAmount != nil && amount.Cmp(quote.RequiredAmount) > 0 {
		refund.Sub(amount, quote.RequiredAmount)
	}
	return &types.Event{Type: EventTypeRepayment, Attributes: map[string]string{
		"invoiceId":      record.InvoiceID.String(),
		"payer":          formatAddress(payer),
		"amount":         formatAmount(amount),
		"payoutAmount":   formatAmount(record.PayoutAmount),
		"requiredAmount": formatAmount(quote.RequiredAmount),
		"lateFee":        formatAmount(quote.LateFee),
		"refund":         formatAmount(refund),
	}}
}

// NewInterestDistributedEvent reports how realised interest was split.
func NewInterestDistributedEvent(id InvoiceID, quote RepaymentQuote) *types.Event {
	return &types.Event{Type: EventTypeInterestDistributed, Attributes: map[string]string{
		"invoiceId":     id.String(),
		"totalInterest": formatAmount(quote.TotalInterest),
		"protocolFee":   formatAmount(quote.ProtocolFee),
		"lpInterest":    formatAmount(quote.LPInterest),
	}}
}

// NewAuthorizerUpdatedEvent records an authorizer rotation.
func NewAuthorizerUpdatedEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeAuthorizerUpdated, Attributes: map[string]string{
		"previous": formatAddress(previous),
		"next":     formatAddress(next),
	}}
}

// NewFeeRateUpdatedEvent records a protocol fee rate change.
func NewFeeRateUpdatedEvent(previous, next uint64) *types.Event {
	return &types.Event{Type: EventTypeFeeRateUpdated, Attributes: map[string]string{
		"previousBps": formatUint(previous),
		"nextBps":     formatUint(next),
	}}
}

// NewFeeReceiverUpdatedEvent records a fee receiver change.
func NewFeeReceiverUpdatedEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeFeeReceiverUpdated, Attributes: map[string]string{
		"previous": formatAddress(previous),
		"next":     formatAddress(next),
	}}
}

func newRoleEvent(eventType string, caller, subject [20]byte) *types.Event {
	attrs := map[string]string{"caller": formatAddress(caller)}
	if subject != ([20]byte{}) {
		attrs["subject"] = formatAddress(subject)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewAdminGrantedEvent records an admin grant.
func NewAdminGrantedEvent(caller, admin [20]byte) *types.Event {
	return newRoleEvent(EventTypeAdminGranted, caller, admin)
}

// NewAdminRevokedEvent records an admin revocation.
func NewAdminRevokedEvent(caller, admin [20]byte) *types.Event {
	return newRoleEvent(EventTypeAdminRevoked, caller, admin)
}

// NewPausedEvent and NewResumedEvent record pause toggles.
func NewPausedEvent(caller [20]byte) *types.Event {
	return newRoleEvent(EventTypePaused, caller, [20]byte{})
}

func NewResumedEvent(caller [20]byte) *types.Event {
	return newRoleEvent(EventTypeResumed, caller, [20]byte{})
}
