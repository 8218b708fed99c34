package financing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// AuthorizationPrimaryType names the EIP-712 struct signed by the authorizer.
	AuthorizationPrimaryType = "FinancingAuthorization"
	// DefaultDomainName and DefaultDomainVersion are used when a deployment
	// does not override them.
	DefaultDomainName    = "InvoiceFinancingPool"
	DefaultDomainVersion = "1"

	signatureLength = 65
)

var authorizationTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	AuthorizationPrimaryType: []apitypes.Type{
		{Name: "invoiceId", Type: "bytes32"},
		{Name: "supplier", Type: "address"},
		{Name: "payoutAmount", Type: "uint256"},
		{Name: "repaymentAmount", Type: "uint256"},
		{Name: "dueDate", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// Domain binds signatures to one deployment: system name, version, network
// identifier and ledger instance.
type Domain struct {
	Name     string
	Version  string
	ChainID  *big.Int
	LedgerID [20]byte
}

// Validate ensures every domain parameter is populated.
func (d Domain) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("financing: domain name required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("financing: domain version required")
	}
	if d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return fmt.Errorf("financing: domain chain id must be positive")
	}
	if d.LedgerID == ([20]byte{}) {
		return fmt.Errorf("financing: domain ledger id required")
	}
	return nil
}

// Authorization is the structured message produced by the pricing engine and
// signed by the authorizer.
type Authorization struct {
	InvoiceID       InvoiceID
	Supplier        [20]byte
	PayoutAmount    *big.Int
	RepaymentAmount *big.Int
	DueDate         uint64
	Nonce           *big.Int
	Deadline        uint64
}

func (d Domain) typedData(msg Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       authorizationTypes,
		PrimaryType: AuthorizationPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(cloneBig(d.ChainID)),
			VerifyingContract: common.Address(d.LedgerID).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"invoiceId":       common.BytesToHash(msg.InvoiceID[:]).Hex(),
			"supplier":        common.Address(msg.Supplier).Hex(),
			"payoutAmount":    (*math.HexOrDecimal256)(cloneBig(msg.PayoutAmount)),
			"repaymentAmount": (*math.HexOrDecimal256)(cloneBig(msg.RepaymentAmount)),
			"dueDate":         (*math.HexOrDecimal256)(new(big.Int).SetUint64(msg.DueDate)),
			"nonce":           (*math.HexOrDecimal256)(cloneBig(msg.Nonce)),
			"deadline":        (*math.HexOrDecimal256)(new(big.Int).SetUint64(msg.Deadline)),
		},
	}
}

// Digest reconstructs the domain-separated EIP-712 digest for msg.
func Digest(domain Domain, msg Authorization) ([]byte, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	typed := domain.typedData(msg)
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("financing: hash domain: %w", err)
	}
	messageHash, err := typed.HashStruct(AuthorizationPrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("financing: hash authorization: %w", err)
	}
	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return ethcrypto.Keccak256(raw), nil
}

// RecoverSigner returns the identity that produced signature over msg within
// domain. Signatures use the [R || S || V] layout with V in {0,1,27,28}.
func RecoverSigner(domain Domain, msg Authorization, signature []byte) ([20]byte, error) {
	var zero [20]byte
	if len(signature) != signatureLength {
		return zero, newError(ErrInvalidSignature, "signature")
	}
	digest, err := Digest(domain, msg)
	if err != nil {
		return zero, wrapError(ErrInvalidSignature, "signature", err)
	}
	sig := append([]byte(nil), signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(sig[64], r, s, true) {
		return zero, newError(ErrInvalidSignature, "signature")
	}
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return zero, wrapError(ErrInvalidSignature, "signature", err)
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// SignAuthorization produces a 65-byte signature with V in {27,28}.
func SignAuthorization(key *ecdsa.PrivateKey, domain Domain, msg Authorization) ([]byte, error) {
	if key == nil {
		return nil, errors.New("financing: signing key required")
	}
	digest, err := Digest(domain, msg)
	if err != nil {
		return nil, err
	}
	signature, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("financing: sign authorization: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// Verifier checks authorizations against a fixed domain.
type Verifier struct {
	domain Domain
}

// NewVerifier validates domain and returns a verifier bound to it.
func NewVerifier(domain Domain) (*Verifier, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{domain: Domain{
		Name:     domain.Name,
		Version:  domain.Version,
		ChainID:  cloneBig(domain.ChainID),
		LedgerID: domain.LedgerID,
	}}, nil
}

// Domain returns a copy of the bound domain parameters.
func (v *Verifier) Domain() Domain {
	d := v.domain
	d.ChainID = cloneBig(v.domain.ChainID)
	return d
}

// Verify rejects expired messages before doing any cryptographic work, then
// requires the recovered signer to equal expectedSigner.
func (v *Verifier) Verify(msg Authorization, signature []byte, expectedSigner [20]byte, now uint64) ([20]byte, error) {
	var zero [20]byte
	if now > msg.Deadline {
		return zero, newError(ErrSignatureExpired, "deadline")
	}
	signer, err := RecoverSigner(v.domain, msg, signature)
	if err != nil {
		return zero, err
	}
	if expectedSigner == zero || signer != expectedSigner {
		return zero, newError(ErrInvalidSignature, "signature")
	}
	return signer, nil
}
