package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"invoicefi/crypto"
	"invoicefi/gateway/middleware"
	"invoicefi/native/financing"
)

const financingRequestLimit = 1 << 20 // 1 MiB

// Ledger is the subset of the financing engine served over HTTP.
type Ledger interface {
	Deposit(ctx context.Context, account [20]byte, amount *big.Int) error
	Withdraw(ctx context.Context, account [20]byte, amount *big.Int) error
	WithdrawFinancing(ctx context.Context, req financing.FinancingRequest, caller [20]byte) error
	Repay(ctx context.Context, id financing.InvoiceID, supplied *big.Int, caller [20]byte) error
	RotateAuthorizer(ctx context.Context, caller, next [20]byte) error
	SetProtocolFeeRate(ctx context.Context, caller [20]byte, rateBps uint64) error
	SetFeeReceiver(ctx context.Context, caller, receiver [20]byte) error
	GrantAdmin(ctx context.Context, caller, admin [20]byte) error
	RevokeAdmin(ctx context.Context, caller, admin [20]byte) error
	Pause(ctx context.Context, caller [20]byte) error
	Resume(ctx context.Context, caller [20]byte) error

	PoolStatus() (*financing.PoolStatus, error)
	LPBalance(account [20]byte) (*big.Int, error)
	IsInvoiceUsed(id financing.InvoiceID) (bool, error)
	FinancingRecord(id financing.InvoiceID) (*financing.FinancingRecord, error)
	InvoiceStatus(id financing.InvoiceID) (financing.InvoiceStatus, error)
	QuoteRepayment(id financing.InvoiceID) (*financing.RepaymentQuote, error)
	Authorizer() ([20]byte, error)
}

// financingRoutes exposes ledger operations as JSON endpoints. Amounts travel
// as decimal strings so values above 2^53 survive JavaScript clients.
type financingRoutes struct {
	ledger  Ledger
	timeout time.Duration
}

func newFinancingRoutes(ledger Ledger, timeout time.Duration) *financingRoutes {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &financingRoutes{ledger: ledger, timeout: timeout}
}

func (fr *financingRoutes) mountQueries(r chi.Router) {
	r.Get("/pool", fr.getPool)
	r.Get("/lp/{address}", fr.getLPBalance)
	r.Get("/invoices/{id}", fr.getInvoice)
	r.Get("/invoices/{id}/used", fr.getInvoiceUsed)
	r.Get("/invoices/{id}/quote", fr.getQuote)
}

func (fr *financingRoutes) mountPool(r chi.Router) {
	r.Post("/pool/deposit", fr.deposit)
	r.Post("/pool/withdraw", fr.withdraw)
	r.Post("/financing/withdraw", fr.withdrawFinancing)
	r.Post("/financing/repay", fr.repay)
}

func (fr *financingRoutes) mountAdmin(r chi.Router) {
	r.Post("/admin/authorizer", fr.rotateAuthorizer)
	r.Post("/admin/fee-rate", fr.setFeeRate)
	r.Post("/admin/fee-receiver", fr.setFeeReceiver)
	r.Post("/admin/admins/grant", fr.grantAdmin)
	r.Post("/admin/admins/revoke", fr.revokeAdmin)
	r.Post("/admin/pause", fr.pause)
	r.Post("/admin/resume", fr.resume)
}

func (fr *financingRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, fr.timeout)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type financingWithdrawRequest struct {
	InvoiceID       string `json:"invoiceId"`
	PayoutAmount    string `json:"payoutAmount"`
	RepaymentAmount string `json:"repaymentAmount"`
	DueDate         uint64 `json:"dueDate"`
	Nonce           string `json:"nonce"`
	Deadline        uint64 `json:"deadline"`
	Signature       string `json:"signature"`
}

type repayRequest struct {
	InvoiceID string `json:"invoiceId"`
	Amount    string `json:"amount"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type feeRateRequest struct {
	RateBps uint64 `json:"rateBps"`
}

type poolResponse struct {
	Total               string `json:"totalPoolSize"`
	Available           string `json:"availableLiquidity"`
	Utilized            string `json:"utilized"`
	Financed            string `json:"totalFinanced"`
	InterestEarned      string `json:"totalInterestEarned"`
	ProtocolFeeRateBps  uint64 `json:"protocolFeeRateBps"`
	ProtocolFeeReceiver string `json:"protocolFeeReceiver"`
	Authorizer          string `json:"authorizer"`
	Paused              bool   `json:"paused"`
}

type invoiceResponse struct {
	InvoiceID       string `json:"invoiceId"`
	Status          string `json:"status"`
	Supplier        string `json:"supplier,omitempty"`
	PayoutAmount    string `json:"payoutAmount,omitempty"`
	RepaymentAmount string `json:"repaymentAmount,omitempty"`
	DueDate         uint64 `json:"dueDate,omitempty"`
	CreatedAt       uint64 `json:"createdAt,omitempty"`
}

type quoteResponse struct {
	InvoiceID      string `json:"invoiceId"`
	RequiredAmount string `json:"requiredAmount"`
	LateFee        string `json:"lateFee"`
	TotalInterest  string `json:"totalInterest"`
	ProtocolFee    string `json:"protocolFee"`
	LPInterest     string `json:"lpInterest"`
}

func (fr *financingRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	fr.moveLiquidity(w, r, fr.ledger.Deposit)
}

func (fr *financingRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	fr.moveLiquidity(w, r, fr.ledger.Withdraw)
}

func (fr *financingRoutes) moveLiquidity(w http.ResponseWriter, r *http.Request, op func(context.Context, [20]byte, *big.Int) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := fr.context(r.Context())
	defer cancel()
	if err := op(ctx, caller, amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	balance, err := fr.ledger.LPBalance(caller)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": crypto.AccountAddress(caller).String(),
		"balance": balance.String(),
	})
}

func (fr *financingRoutes) withdrawFinancing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body financingWithdrawRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := fr.context(r.Context())
	defer cancel()
	if err := fr.ledger.WithdrawFinancing(ctx, req, caller); err != nil {
		writeLedgerError(w, err)
		return
	}
	fr.writeInvoice(w, http.StatusCreated, req.InvoiceID)
}

func (body financingWithdrawRequest) toRequest() (financing.FinancingRequest, error) {
	var req financing.FinancingRequest
	id, err := financing.ParseInvoiceID(body.InvoiceID)
	if err != nil {
		return req, err
	}
	payout, err := parseAmount("payoutAmount", body.PayoutAmount)
	if err != nil {
		return req, err
	}
	repayment, err := parseAmount("repaymentAmount", body.RepaymentAmount)
	if err != nil {
		return req, err
	}
	nonce := new(big.Int)
	if strings.TrimSpace(body.Nonce) != "" {
		if nonce, err = parseAmount("nonce", body.Nonce); err != nil {
			return req, err
		}
	}
	signature, err := hexutil.Decode(strings.TrimSpace(body.Signature))
	if err != nil {
		return req, fmt.Errorf("signature: %w", err)
	}
	return financing.FinancingRequest{
		InvoiceID:       id,
		PayoutAmount:    payout,
		RepaymentAmount: repayment,
		DueDate:         body.DueDate,
		Nonce:           nonce,
		Deadline:        body.Deadline,
		Signature:       signature,
	}, nil
}

func (fr *financingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body repayRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := financing.ParseInvoiceID(body.InvoiceID)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := fr.context(r.Context())
	defer cancel()
	if err := fr.ledger.Repay(ctx, id, amount, caller); err != nil {
		writeLedgerError(w, err)
		return
	}
	fr.writeInvoice(w, http.StatusOK, id)
}

func (fr *financingRoutes) rotateAuthorizer(w http.ResponseWriter, r *http.Request) {
	fr.adminAddressOp(w, r, fr.ledger.RotateAuthorizer)
}

func (fr *financingRoutes) setFeeReceiver(w http.ResponseWriter, r *http.Request) {
	fr.adminAddressOp(w, r, fr.ledger.SetFeeReceiver)
}

func (fr *financingRoutes) grantAdmin(w http.ResponseWriter, r *http.Request) {
	fr.adminAddressOp(w, r, fr.ledger.GrantAdmin)
}

func (fr *financingRoutes) revokeAdmin(w http.ResponseWriter, r *http.Request) {
	fr.adminAddressOp(w, r, fr.ledger.RevokeAdmin)
}

func (fr *financingRoutes) adminAddressOp(w http.ResponseWriter, r *http.Request, op func(context.Context, [20]byte, [20]byte) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body addressRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	target, err := crypto.ParseAccount(body.Address)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("address: %w", err))
		return
	}
	ctx, cancel := fr.context(r.Context())
	defer cancel()
	if err := op(ctx, caller, target); err != nil {
		writeLedgerError(w, err)
		return
	}
	fr.writePool(w)
}

func (fr *financingRoutes) setFeeRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var body feeRateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := fr.context(r.Context())
	defer cancel()
	if err := fr.ledger.SetProtocolFeeRate(ctx, caller, body.RateBps); err != nil {
		writeLedgerError(w, err)
		return
	}
	fr.writePool(w)
}

func (fr *financingRoutes) pause(w http.ResponseWriter, r *http.Request) {
	fr.adminToggle(w, r, fr.ledger.Pause)
}

func (fr *financingRoutes) resume(w http.ResponseWriter, r *http.Request) {
	fr.adminToggle(w, r, fr.ledger.Resume)
}

func (fr *financingRoutes) adminToggle(w http.ResponseWriter, r *http.Request, op func(context.Context, [20]byte) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	ctx, cancel := fr.context(r.Context())
	defer cancel()
	if err := op(ctx, caller); err != nil {
		writeLedgerError(w, err)
		return
	}
	fr.writePool(w)
}

func (fr *financingRoutes) getPool(w http.ResponseWriter, _ *http.Request) {
	fr.writePool(w)
}

func (fr *financingRoutes) writePool(w http.ResponseWriter) {
	status, err := fr.ledger.PoolStatus()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	authorizer, err := fr.ledger.Authorizer()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse{
		Total:               status.Total.String(),
		Available:           status.Available.String(),
		Utilized:            status.Utilized.String(),
		Financed:            status.Financed.String(),
		InterestEarned:      status.InterestEarned.String(),
		ProtocolFeeRateBps:  status.ProtocolFeeRateBps,
		ProtocolFeeReceiver: crypto.AccountAddress(status.ProtocolFeeReceiver).String(),
		Authorizer:          crypto.AccountAddress(authorizer).String(),
		Paused:              status.Paused,
	})
}

func (fr *financingRoutes) getLPBalance(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.ParseAccount(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("address: %w", err))
		return
	}
	balance, err := fr.ledger.LPBalance(account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": crypto.AccountAddress(account).String(),
		"balance": balance.String(),
	})
}

func (fr *financingRoutes) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := financing.ParseInvoiceID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	fr.writeInvoice(w, http.StatusOK, id)
}

func (fr *financingRoutes) writeInvoice(w http.ResponseWriter, status int, id financing.InvoiceID) {
	invoiceStatus, err := fr.ledger.InvoiceStatus(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	resp := invoiceResponse{InvoiceID: id.String(), Status: invoiceStatus.String()}
	record, err := fr.ledger.FinancingRecord(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if record != nil {
		resp.Supplier = crypto.AccountAddress(record.Supplier).String()
		resp.PayoutAmount = record.PayoutAmount.String()
		resp.RepaymentAmount = record.RepaymentAmount.String()
		resp.DueDate = record.DueDate
		resp.CreatedAt = record.CreatedAt
	}
	writeJSON(w, status, resp)
}

func (fr *financingRoutes) getInvoiceUsed(w http.ResponseWriter, r *http.Request) {
	id, err := financing.ParseInvoiceID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	used, err := fr.ledger.IsInvoiceUsed(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invoiceId": id.String(), "used": used})
}

func (fr *financingRoutes) getQuote(w http.ResponseWriter, r *http.Request) {
	id, err := financing.ParseInvoiceID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	quote, err := fr.ledger.QuoteRepayment(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		InvoiceID:      id.String(),
		RequiredAmount: quote.RequiredAmount.String(),
		LateFee:        quote.LateFee.String(),
		TotalInterest:  quote.TotalInterest.String(),
		ProtocolFee:    quote.ProtocolFee.String(),
		LPInterest:     quote.LPInterest.String(),
	})
}

func requireCaller(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, errors.New("caller identity required"))
		return [20]byte{}, false
	}
	return caller, true
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid decimal %q", field, trimmed)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", field)
	}
	return amount, nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, financingRequestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// statusForError maps ledger failure kinds onto HTTP statuses.
func statusForError(err error) int {
	switch financing.KindOf(err) {
	case financing.KindValidation:
		return http.StatusBadRequest
	case financing.KindStateConflict:
		return http.StatusConflict
	case financing.KindAuthorization:
		if errors.Is(err, financing.ErrUnauthorized) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case financing.KindTransferFailure:
		return http.StatusBadGateway
	case financing.KindReentrancy:
		return http.StatusLocked
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type ledgerErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

func writeLedgerError(w http.ResponseWriter, err error) {
	body := ledgerErrorBody{Error: err.Error(), Kind: financing.KindOf(err).String()}
	var fe *financing.Error
	if errors.As(err, &fe) {
		body.Field = fe.Field
	}
	writeJSON(w, statusForError(err), body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeInternalError(w, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(fmt.Sprintf("{\"error\":%q}", http.StatusText(status)))
	}
	_, _ = w.Write(payload)
}
