package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"invoicefi/crypto"
)

var testAdmin = crypto.AccountAddress([20]byte{0xad}).String()

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func baseConfig() string {
	return `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"

[domain]
ChainID = 187001
LedgerID = "` + testAdmin + `"

[ledger]
Admin = "` + testAdmin + `"
Authorizer = "0x00000000000000000000000000000000000000aa"
ProtocolFeeRateBps = 1500
InitialLiquidity = "1000000"

[rate_limits.pool]
RequestsPerMinute = 60
Burst = 10
`
}

func TestLoadParsesSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Domain.Name != "InvoiceFinancingPool" || cfg.Domain.Version != "1" {
		t.Fatalf("domain defaults not applied: %+v", cfg.Domain)
	}
	if cfg.Transfer.Mode != TransferModeBook {
		t.Fatalf("expected book transfer mode, got %q", cfg.Transfer.Mode)
	}
	if cfg.Ledger.ProtocolFeeRateBps != 1500 {
		t.Fatalf("unexpected fee rate %d", cfg.Ledger.ProtocolFeeRateBps)
	}
	liquidity, err := cfg.Ledger.InitialLiquidityAmount()
	if err != nil || liquidity.Int64() != 1_000_000 {
		t.Fatalf("initial liquidity = %v, %v", liquidity, err)
	}
	if limit := cfg.RateLimits["pool"]; limit.Burst != 10 || limit.RequestsPerMinute != 60 {
		t.Fatalf("unexpected rate limit %+v", limit)
	}
	if cfg.RequestTimeout().Seconds() != 30 {
		t.Fatalf("unexpected request timeout %s", cfg.RequestTimeout())
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.Ledger.AdminKeystorePath != filepath.Join(dir, "admin.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.Ledger.AdminKeystorePath)
	}
	key, err := crypto.LoadFromKeystore(cfg.Ledger.AdminKeystorePath, "")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if got := crypto.AccountAddress(key.Identity()).String(); got != cfg.Ledger.Admin || got != cfg.Ledger.Authorizer {
		t.Fatalf("default roles do not match keystore: %s", got)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Ledger.Admin != cfg.Ledger.Admin || reloaded.Domain.ChainID != cfg.Domain.ChainID {
		t.Fatalf("reloaded config differs: %+v", reloaded)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, baseConfig()+"\nValidatorKey = \"abc\"\n"))
	if err == nil || !strings.Contains(err.Error(), "ValidatorKey") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadResolvesSecretFromEnv(t *testing.T) {
	t.Setenv("FIN_TEST_SECRET", "  s3cret ")
	cfg, err := Load(writeConfig(t, baseConfig()+"\n[auth]\nEnabled = true\nHMACSecretEnv = \"FIN_TEST_SECRET\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.HMACSecret != "s3cret" {
		t.Fatalf("unexpected secret %q", cfg.Auth.HMACSecret)
	}

	t.Setenv("FIN_TEST_SECRET", "")
	if _, err := Load(writeConfig(t, baseConfig()+"\n[auth]\nEnabled = true\nHMACSecretEnv = \"FIN_TEST_SECRET\"\n")); err == nil {
		t.Fatalf("expected error for empty secret env")
	}
}

func TestLoadResolvesSecretFromFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secretPath, []byte("filesecret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	cfg, err := Load(writeConfig(t, baseConfig()+"\n[auth]\nEnabled = true\nHMACSecretFile = \""+secretPath+"\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.HMACSecret != "filesecret" {
		t.Fatalf("unexpected secret %q", cfg.Auth.HMACSecret)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"transfer mode":  "\n[transfer]\nMode = \"carrier-pigeon\"\n",
		"erc20 settings": "\n[transfer]\nMode = \"erc20\"\n",
		"mirror dsn":     "\n[mirror]\nDriver = \"postgres\"\n",
		"mirror driver":  "\n[mirror]\nDriver = \"mongo\"\nDSN = \"x\"\n",
		"auth secret":    "\n[auth]\nEnabled = true\n",
		"book account":   "\n[transfer.BookBalances]\nnope = \"10\"\n",
		"book amount":    "\n[transfer.BookBalances]\n\"" + testAdmin + "\" = \"-5\"\n",
	}
	for name, extra := range cases {
		if _, err := Load(writeConfig(t, baseConfig()+extra)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	highFee := strings.Replace(baseConfig(), "ProtocolFeeRateBps = 1500", "ProtocolFeeRateBps = 5001", 1)
	if _, err := Load(writeConfig(t, highFee)); err == nil {
		t.Fatalf("expected fee rate cap error")
	}
	badAdmin := strings.Replace(baseConfig(), `Admin = "`+testAdmin+`"`, `Admin = "nope"`, 1)
	if _, err := Load(writeConfig(t, badAdmin)); err == nil {
		t.Fatalf("expected admin address error")
	}
}

func TestValidateAcceptsERC20(t *testing.T) {
	extra := `
[transfer]
Mode = "erc20"
RPCURL = "http://localhost:8545"
Token = "0x00000000000000000000000000000000000000c0"
ChainID = 1
KeystorePath = "treasury.keystore"
`
	cfg, err := Load(writeConfig(t, baseConfig()+extra))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transfer.PollIntervalSeconds != 5 {
		t.Fatalf("unexpected poll interval %d", cfg.Transfer.PollIntervalSeconds)
	}
	if cfg.Transfer.ConfirmTimeout().Minutes() != 10 {
		t.Fatalf("unexpected confirm timeout %s", cfg.Transfer.ConfirmTimeout())
	}
	if _, err := Load(writeConfig(t, baseConfig()+extra+"\n[transfer.BookBalances]\n\""+testAdmin+"\" = \"1\"\n")); err == nil {
		t.Fatalf("expected book balances to be rejected in erc20 mode")
	}
}

func TestLoadParsesBookBalances(t *testing.T) {
	extra := `
[transfer.BookBalances]
"` + testAdmin + `" = "1000000"
"0x00000000000000000000000000000000000000bb" = "0"
`
	cfg, err := Load(writeConfig(t, baseConfig()+extra))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	balances, err := cfg.Transfer.BookBalanceAmounts()
	if err != nil {
		t.Fatalf("book balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("zero balances should be skipped, got %d entries", len(balances))
	}
	if got := balances[[20]byte{0xad}]; got == nil || got.String() != "1000000" {
		t.Fatalf("admin balance %v", got)
	}
}
