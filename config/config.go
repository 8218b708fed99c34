package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"invoicefi/crypto"
)

// Transfer gateway modes.
const (
	TransferModeBook  = "book"
	TransferModeERC20 = "erc20"
)

// Mirror drivers.
const (
	MirrorDriverNone     = ""
	MirrorDriverSQLite   = "sqlite"
	MirrorDriverPostgres = "postgres"
)

type Config struct {
	ListenAddress          string   `toml:"ListenAddress"`
	DataDir                string   `toml:"DataDir"`
	Environment            string   `toml:"Environment"`
	RequestTimeoutSeconds  int      `toml:"RequestTimeoutSeconds"`
	ShutdownTimeoutSeconds int      `toml:"ShutdownTimeoutSeconds"`
	CORSAllowedOrigins     []string `toml:"CORSAllowedOrigins"`

	Domain     Domain               `toml:"domain"`
	Ledger     Ledger               `toml:"ledger"`
	Auth       Auth                 `toml:"auth"`
	RateLimits map[string]RateLimit `toml:"rate_limits"`
	Mirror     Mirror               `toml:"mirror"`
	Transfer   Transfer             `toml:"transfer"`
	Log        Log                  `toml:"log"`
}

// Domain carries the signature domain parameters.
type Domain struct {
	Name     string `toml:"Name"`
	Version  string `toml:"Version"`
	ChainID  uint64 `toml:"ChainID"`
	LedgerID string `toml:"LedgerID"`
}

// Ledger holds the values used when the ledger is first initialised.
type Ledger struct {
	Admin              string `toml:"Admin"`
	AdminKeystorePath  string `toml:"AdminKeystorePath"`
	Authorizer         string `toml:"Authorizer"`
	FeeReceiver        string `toml:"FeeReceiver"`
	ProtocolFeeRateBps uint64 `toml:"ProtocolFeeRateBps"`
	InitialLiquidity   string `toml:"InitialLiquidity"`
}

type Auth struct {
	Enabled        bool   `toml:"Enabled"`
	HMACSecret     string `toml:"HMACSecret"`
	HMACSecretEnv  string `toml:"HMACSecretEnv"`
	HMACSecretFile string `toml:"HMACSecretFile"`
	Issuer         string `toml:"Issuer"`
	Audience       string `toml:"Audience"`
}

type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

type Mirror struct {
	Driver    string `toml:"Driver"`
	DSN       string `toml:"DSN"`
	ExportDir string `toml:"ExportDir"`
}

// Transfer selects the gateway. BookBalances seeds external account balances
// of the in-memory book, keyed by account address.
type Transfer struct {
	Mode                  string            `toml:"Mode"`
	RPCURL                string            `toml:"RPCURL"`
	Token                 string            `toml:"Token"`
	ChainID               uint64            `toml:"ChainID"`
	Confirmations         uint64            `toml:"Confirmations"`
	GasLimit              uint64            `toml:"GasLimit"`
	PollIntervalSeconds   int               `toml:"PollIntervalSeconds"`
	ConfirmTimeoutSeconds int               `toml:"ConfirmTimeoutSeconds"`
	KeystorePath          string            `toml:"KeystorePath"`
	PassphraseEnv         string            `toml:"PassphraseEnv"`
	BookBalances          map[string]string `toml:"BookBalances"`
}

type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load loads the configuration from the given path, writing a default file
// with a fresh admin keystore when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}
	cfg.applyDefaults()
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./financing-data"
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 30
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = 15
	}
	if c.Domain.Name == "" {
		c.Domain.Name = "InvoiceFinancingPool"
	}
	if c.Domain.Version == "" {
		c.Domain.Version = "1"
	}
	if c.Transfer.Mode == "" {
		c.Transfer.Mode = TransferModeBook
	}
	if c.Transfer.PollIntervalSeconds <= 0 {
		c.Transfer.PollIntervalSeconds = 5
	}
	if c.Transfer.ConfirmTimeoutSeconds <= 0 {
		c.Transfer.ConfirmTimeoutSeconds = 600
	}
	if c.RateLimits == nil {
		c.RateLimits = map[string]RateLimit{}
	}
	c.Mirror.Driver = strings.ToLower(strings.TrimSpace(c.Mirror.Driver))
	c.Transfer.Mode = strings.ToLower(strings.TrimSpace(c.Transfer.Mode))
}

// resolveSecrets fills the HMAC secret from its env var or file reference.
func (c *Config) resolveSecrets() error {
	a := &c.Auth
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if a.HMACSecret != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(a.HMACSecretEnv) != "":
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(a.HMACSecretEnv)))
		if value == "" && a.Enabled {
			return fmt.Errorf("auth.HMACSecretEnv %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	case strings.TrimSpace(a.HMACSecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.HMACSecretFile))
		if err != nil {
			return fmt.Errorf("read auth.HMACSecretFile: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	}
	return nil
}

// createDefault creates and saves a default configuration file. The generated
// admin key also serves as authorizer until one is configured.
func createDefault(path string) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	key, _, err := crypto.EnsureKeystore(keystorePath, "")
	if err != nil {
		return nil, err
	}
	admin := crypto.AccountAddress(key.Identity()).String()

	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./financing-data",
		Domain: Domain{
			Name:     "InvoiceFinancingPool",
			Version:  "1",
			ChainID:  187001,
			LedgerID: admin,
		},
		Ledger: Ledger{
			Admin:              admin,
			AdminKeystorePath:  keystorePath,
			Authorizer:         admin,
			ProtocolFeeRateBps: 1_000,
		},
		RateLimits: map[string]RateLimit{
			"queries": {RequestsPerMinute: 600, Burst: 60},
			"pool":    {RequestsPerMinute: 120, Burst: 20},
			"admin":   {RequestsPerMinute: 30, Burst: 5},
		},
		Transfer: Transfer{Mode: TransferModeBook},
		Log:      Log{Level: "info"},
	}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "admin.keystore")
}

// RequestTimeout and ShutdownTimeout convert the configured seconds.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ConfirmTimeout bounds how long the ERC-20 gateway watches a transaction.
func (t Transfer) ConfirmTimeout() time.Duration {
	return time.Duration(t.ConfirmTimeoutSeconds) * time.Second
}

// BookBalanceAmounts parses BookBalances.
func (t Transfer) BookBalanceAmounts() (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(t.BookBalances))
	for account, value := range t.BookBalances {
		addr, err := crypto.ParseAccount(account)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", account, err)
		}
		amount, err := parseUintAmount(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", account, err)
		}
		if amount.Sign() > 0 {
			out[addr] = amount
		}
	}
	return out, nil
}

// InitialLiquidityAmount parses the seeded liquidity, zero when unset.
func (l Ledger) InitialLiquidityAmount() (*big.Int, error) {
	return parseUintAmount(l.InitialLiquidity)
}

func parseUintAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}
