package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"invoicefi/crypto"
	"invoicefi/native/financing"
)

// authorizationFile mirrors the YAML document handed to sign and verify.
type authorizationFile struct {
	Domain struct {
		Name     string `yaml:"name"`
		Version  string `yaml:"version"`
		ChainID  uint64 `yaml:"chain_id"`
		LedgerID string `yaml:"ledger_id"`
	} `yaml:"domain"`
	Authorization struct {
		InvoiceID       string `yaml:"invoice_id"`
		Supplier        string `yaml:"supplier"`
		PayoutAmount    string `yaml:"payout_amount"`
		RepaymentAmount string `yaml:"repayment_amount"`
		DueDate         uint64 `yaml:"due_date"`
		Nonce           string `yaml:"nonce"`
		Deadline        uint64 `yaml:"deadline"`
	} `yaml:"authorization"`
}

// withdrawBody is the JSON body accepted by POST /v1/financing/withdraw.
type withdrawBody struct {
	InvoiceID       string `json:"invoiceId"`
	PayoutAmount    string `json:"payoutAmount"`
	RepaymentAmount string `json:"repaymentAmount"`
	DueDate         uint64 `json:"dueDate"`
	Nonce           string `json:"nonce"`
	Deadline        uint64 `json:"deadline"`
	Signature       string `json:"signature"`
}

func loadAuthorizationFile(path string) (financing.Domain, financing.Authorization, error) {
	var domain financing.Domain
	var msg financing.Authorization
	path = strings.TrimSpace(path)
	if path == "" {
		return domain, msg, errors.New("--request is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return domain, msg, fmt.Errorf("open request: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	var doc authorizationFile
	if err := dec.Decode(&doc); err != nil {
		return domain, msg, fmt.Errorf("decode request: %w", err)
	}

	ledgerID, err := crypto.ParseAccount(doc.Domain.LedgerID)
	if err != nil {
		return domain, msg, fmt.Errorf("domain.ledger_id: %w", err)
	}
	domain = financing.Domain{
		Name:     strings.TrimSpace(doc.Domain.Name),
		Version:  strings.TrimSpace(doc.Domain.Version),
		ChainID:  new(big.Int).SetUint64(doc.Domain.ChainID),
		LedgerID: ledgerID,
	}
	if err := domain.Validate(); err != nil {
		return domain, msg, err
	}

	a := doc.Authorization
	if msg.InvoiceID, err = financing.ParseInvoiceID(a.InvoiceID); err != nil {
		return domain, msg, fmt.Errorf("authorization.invoice_id: %w", err)
	}
	if msg.Supplier, err = crypto.ParseAccount(a.Supplier); err != nil {
		return domain, msg, fmt.Errorf("authorization.supplier: %w", err)
	}
	if msg.PayoutAmount, err = parseDecimal("authorization.payout_amount", a.PayoutAmount); err != nil {
		return domain, msg, err
	}
	if msg.RepaymentAmount, err = parseDecimal("authorization.repayment_amount", a.RepaymentAmount); err != nil {
		return domain, msg, err
	}
	nonce := a.Nonce
	if strings.TrimSpace(nonce) == "" {
		nonce = "0"
	}
	if msg.Nonce, err = parseDecimal("authorization.nonce", nonce); err != nil {
		return domain, msg, err
	}
	msg.DueDate = a.DueDate
	msg.Deadline = a.Deadline
	return domain, msg, nil
}

func parseDecimal(field, value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	return n, nil
}

func runSignCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var request, keystorePath, passEnv string
	var emptyPass bool
	fs.StringVar(&request, "request", "", "YAML file describing the domain and authorization")
	fs.StringVar(&keystorePath, "keystore", "", "authorizer keystore")
	fs.StringVar(&passEnv, "passphrase-env", "FIN_AUTHORIZER_PASSPHRASE", "environment variable holding the keystore passphrase")
	fs.BoolVar(&emptyPass, "empty-passphrase", false, "open a keystore written without a passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	domain, msg, err := loadAuthorizationFile(request)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := loadSigningKey(keystorePath, passEnv, "authorizer", emptyPass)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	signature, err := financing.SignAuthorization(key.PrivateKey, domain, msg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	body := withdrawBody{
		InvoiceID:       msg.InvoiceID.String(),
		PayoutAmount:    msg.PayoutAmount.String(),
		RepaymentAmount: msg.RepaymentAmount.String(),
		DueDate:         msg.DueDate,
		Nonce:           msg.Nonce.String(),
		Deadline:        msg.Deadline,
		Signature:       hexutil.Encode(signature),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "signed by %s for supplier %s\n", common.Address(key.Identity()).Hex(), crypto.AccountAddress(msg.Supplier).String())
	return 0
}

func runVerifyCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var request, sigHex, expected string
	fs.StringVar(&request, "request", "", "YAML file describing the domain and authorization")
	fs.StringVar(&sigHex, "signature", "", "0x-prefixed 65 byte signature")
	fs.StringVar(&expected, "authorizer", "", "expected signer; exit 1 on mismatch")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	domain, msg, err := loadAuthorizationFile(request)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	signature, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil {
		fmt.Fprintf(stderr, "Error: --signature: %v\n", err)
		return 1
	}
	signer, err := financing.RecoverSigner(domain, msg, signature)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "signer: %s (%s)\n", crypto.AccountAddress(signer).String(), common.Address(signer).Hex())
	if strings.TrimSpace(expected) == "" {
		return 0
	}
	want, err := crypto.ParseAccount(expected)
	if err != nil {
		fmt.Fprintf(stderr, "Error: --authorizer: %v\n", err)
		return 1
	}
	if want != signer {
		fmt.Fprintln(stderr, "Error: signer does not match authorizer")
		return 1
	}
	fmt.Fprintln(stdout, "signature matches authorizer")
	return 0
}
