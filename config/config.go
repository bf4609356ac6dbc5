package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/beradigm/bao-contracts/native/vault"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	Service       string `toml:"Service"`
	Environment   string `toml:"Environment"`
	ListenAddress string `toml:"ListenAddress"`
	// LogFile enables rotated file logging when set; stdout otherwise.
	LogFile string `toml:"LogFile"`
	// SnapshotPath points at the ledger snapshot database. Empty disables
	// persistence.
	SnapshotPath string `toml:"SnapshotPath"`

	Round     Round    `toml:"round"`
	Tokens    []Token  `toml:"tokens"`
	Whitelist []string `toml:"Whitelist"`
}

// Round carries the fundraise parameters. USD figures are whole-dollar
// decimal strings and are scaled to the vault's fixed precision at parse
// time.
type Round struct {
	Owner              string   `toml:"Owner"`
	Admins             []string `toml:"Admins"`
	GoalUSD            string   `toml:"GoalUSD"`
	Deadline           int64    `toml:"Deadline"`
	WhitelistCapUSD    string   `toml:"WhitelistCapUSD"`
	PublicCapUSD       string   `toml:"PublicCapUSD"`
	MinDepositUSD      string   `toml:"MinDepositUSD"`
	TierDivisor        uint32   `toml:"TierDivisor"`
	NativePriceFeedID  string   `toml:"NativePriceFeedID"`
	NativeDecimals     uint8    `toml:"NativeDecimals"`
	MaxPriceAgeSeconds int64    `toml:"MaxPriceAgeSeconds"`
	MaxConfidenceBps   uint64   `toml:"MaxConfidenceBps"`
}

// Token declares one accepted fungible asset.
type Token struct {
	Symbol      string `toml:"Symbol"`
	PriceFeedID string `toml:"PriceFeedID"`
	Decimals    uint8  `toml:"Decimals"`
}

// Load reads and validates the configuration at the given path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown keys: %v", path, undecoded)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "baovault"
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8547"
	}
}

// Validate rejects configurations the daemon cannot start under.
func (c *Config) Validate() error {
	if _, err := ParseAddress(c.Round.Owner); err != nil {
		return fmt.Errorf("round owner: %w", err)
	}
	for _, admin := range c.Round.Admins {
		if _, err := ParseAddress(admin); err != nil {
			return fmt.Errorf("round admin %q: %w", admin, err)
		}
	}
	for _, member := range c.Whitelist {
		if _, err := ParseAddress(member); err != nil {
			return fmt.Errorf("whitelist entry %q: %w", member, err)
		}
	}
	for _, token := range c.Tokens {
		if strings.TrimSpace(token.Symbol) == "" {
			return fmt.Errorf("token entry missing symbol")
		}
		if strings.TrimSpace(token.PriceFeedID) == "" {
			return fmt.Errorf("token %s missing price feed id", token.Symbol)
		}
	}
	params, err := c.VaultParams()
	if err != nil {
		return err
	}
	return params.Validate()
}

// VaultParams converts the round section into engine parameters.
func (c *Config) VaultParams() (vault.Params, error) {
	goal, err := parseUSD(c.Round.GoalUSD)
	if err != nil {
		return vault.Params{}, fmt.Errorf("GoalUSD: %w", err)
	}
	whitelistCap, err := parseUSD(c.Round.WhitelistCapUSD)
	if err != nil {
		return vault.Params{}, fmt.Errorf("WhitelistCapUSD: %w", err)
	}
	publicCap, err := parseUSD(c.Round.PublicCapUSD)
	if err != nil {
		return vault.Params{}, fmt.Errorf("PublicCapUSD: %w", err)
	}
	minDeposit, err := parseUSD(c.Round.MinDepositUSD)
	if err != nil {
		return vault.Params{}, fmt.Errorf("MinDepositUSD: %w", err)
	}
	params := vault.Params{
		GoalUSD:            goal,
		Deadline:           c.Round.Deadline,
		WhitelistCapUSD:    whitelistCap,
		PublicCapUSD:       publicCap,
		MinDepositUSD:      minDeposit,
		TierDivisor:        c.Round.TierDivisor,
		NativePriceFeedID:  c.Round.NativePriceFeedID,
		NativeDecimals:     c.Round.NativeDecimals,
		MaxPriceAgeSeconds: c.Round.MaxPriceAgeSeconds,
		MaxConfidenceBps:   c.Round.MaxConfidenceBps,
	}
	return params.Normalise(), nil
}

// OwnerAddress returns the parsed round owner.
func (c *Config) OwnerAddress() ([20]byte, error) {
	return ParseAddress(c.Round.Owner)
}

// ParseAddress decodes a 20-byte hex address, with or without a 0x prefix.
func ParseAddress(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid address %q: %w", value, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("invalid address length %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// parseUSD scales a whole-or-fractional dollar string to the vault's fixed
// decimal precision. Empty strings parse as zero.
func parseUSD(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("invalid USD amount %q", value)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("USD amount %q must not be negative", value)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(vault.UsdDecimals), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}
