// Copyright 2025 R5 Labs
// This file is part of the R5 Proxy library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Package config loads and validates the daemon's TOML configuration.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/naoina/toml"

	"github.com/r5-labs/r5-proxy/decimal"
)

// Coin types understood by the engine factory.
const (
	TypeSatoshi = "Satoshi" // UTXO wallet daemon
	TypeButerin = "Buterin" // account chain, HD deposit addresses
	TypeERC20   = "ERC20"   // token on an account chain
	TypeRipple  = "Ripple"  // shared account with destination tags
)

// Node holds the daemon-wide options.
type Node struct {
	// DataDir is the ledger database directory.
	DataDir string
	// Listen is the JSON-RPC bind address.
	Listen string
	// Interval is the reconciliation delay in seconds.
	Interval int
}

// Coin configures one engine. Which fields apply depends on Type; the
// rest stay empty.
type Coin struct {
	Name          string
	Type          string
	Decimals      uint8
	MinimumAmount string
	StaticFee     string
	Confirmations uint64
	// Rounding is "truncate" (default) or "half-up" for caller amounts
	// with excess fractional digits.
	Rounding string

	// Buterin and ERC20
	URL      string
	Mnemonic string
	GasLimit uint64

	// ERC20 only
	Token      string
	StartBlock uint64

	// Satoshi only
	Host    string
	RPCUser string
	RPCPass string
	Account string
	Unlock  string
	Testnet bool

	// Ripple only: Account doubles as the shared deposit address.
	Secret string
}

// Config is the full daemon configuration.
type Config struct {
	Node  Node
	Coins []Coin
}

// DefaultNode is the baseline the [node] section overrides.
var DefaultNode = Node{
	DataDir:  "r5proxy-data",
	Listen:   "127.0.0.1:8671",
	Interval: 10,
}

// tomlSettings puts field names through unchanged so the file reads
// like the structs, and turns unknown keys into hard errors.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Load reads, decodes and validates a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{Node: DefaultNode}
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Node.DataDir == "" {
		return fmt.Errorf("node: DataDir must be set")
	}
	if c.Node.Interval <= 0 {
		return fmt.Errorf("node: Interval must be positive")
	}
	if len(c.Coins) == 0 {
		return fmt.Errorf("no coins configured")
	}
	seen := make(map[string]bool)
	for i := range c.Coins {
		if err := c.Coins[i].validate(); err != nil {
			return err
		}
		name := c.Coins[i].Name
		if seen[name] {
			return fmt.Errorf("coin %s: configured twice", name)
		}
		seen[name] = true
	}
	return nil
}

func (co *Coin) validate() error {
	if co.Name == "" || strings.ContainsAny(co.Name, "/!") {
		return fmt.Errorf("coin %q: unusable name", co.Name)
	}
	if co.Decimals > decimal.MaxDecimals {
		return fmt.Errorf("coin %s: Decimals above %d", co.Name, decimal.MaxDecimals)
	}
	if _, err := decimal.ParseRounding(co.Rounding); err != nil {
		return fmt.Errorf("coin %s: %v", co.Name, err)
	}
	codec := decimal.New(co.Decimals, decimal.Truncate)
	for _, amt := range []struct{ name, v string }{
		{"MinimumAmount", co.MinimumAmount},
		{"StaticFee", co.StaticFee},
	} {
		if amt.v == "" {
			continue
		}
		if _, err := codec.ParseUnsigned(amt.v); err != nil {
			return fmt.Errorf("coin %s: %s: %v", co.Name, amt.name, err)
		}
	}
	switch co.Type {
	case TypeButerin:
		return co.require("URL", co.URL, "Mnemonic", co.Mnemonic)
	case TypeERC20:
		return co.require("URL", co.URL, "Mnemonic", co.Mnemonic, "Token", co.Token)
	case TypeSatoshi:
		return co.require("Host", co.Host)
	case TypeRipple:
		return co.require("URL", co.URL, "Account", co.Account, "Secret", co.Secret)
	default:
		return fmt.Errorf("coin %s: unknown Type %q", co.Name, co.Type)
	}
}

func (co *Coin) require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("coin %s: %s must be set for Type %s", co.Name, pairs[i], co.Type)
		}
	}
	return nil
}
