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

// Package node assembles the daemon: ledger store, coin engines, the
// reconciler and the JSON-RPC endpoint.
package node

import (
	"fmt"
	"math/big"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/r5-labs/r5-proxy/config"
	"github.com/r5-labs/r5-proxy/decimal"
	"github.com/r5-labs/r5-proxy/proxy"
	"github.com/r5-labs/r5-proxy/proxy/btc"
	"github.com/r5-labs/r5-proxy/proxy/erc20"
	"github.com/r5-labs/r5-proxy/proxy/eth"
	"github.com/r5-labs/r5-proxy/proxy/xrp"
	"github.com/r5-labs/r5-proxy/store"
)

// Node is the assembled daemon.
type Node struct {
	db      *store.DB
	engines []proxy.Adapter
	rec     *proxy.Reconciler
	rpcSrv  *rpc.Server
	httpSrv *http.Server
	listen  string
	log     log.Logger
}

// New opens the store, connects every configured engine and wires the
// API onto a JSON-RPC server under the "proxy" namespace. Nothing is
// listening or ticking until Start.
func New(cfg *config.Config) (*Node, error) {
	db, err := store.Open(filepath.Join(cfg.Node.DataDir, "ledger"))
	if err != nil {
		return nil, err
	}
	mu := new(sync.Mutex)
	var engines []proxy.Adapter
	fail := func(err error) (*Node, error) {
		for _, e := range engines {
			e.Close()
		}
		db.Close()
		return nil, err
	}
	for i := range cfg.Coins {
		eng, err := buildEngine(db, &cfg.Coins[i])
		if err != nil {
			return fail(fmt.Errorf("coin %s: %v", cfg.Coins[i].Name, err))
		}
		engines = append(engines, eng)
	}
	rpcSrv := rpc.NewServer()
	if err := rpcSrv.RegisterName("proxy", proxy.NewAPI(db, mu, engines)); err != nil {
		return fail(err)
	}
	return &Node{
		db:      db,
		engines: engines,
		rec:     proxy.NewReconciler(db, engines, time.Duration(cfg.Node.Interval)*time.Second, mu),
		rpcSrv:  rpcSrv,
		listen:  cfg.Node.Listen,
		log:     log.New("module", "node"),
	}, nil
}

// Start binds the RPC endpoint and begins reconciliation ticks.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.listen)
	if err != nil {
		return err
	}
	n.httpSrv = &http.Server{
		Handler:           n.rpcSrv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := n.httpSrv.Serve(ln); err != http.ErrServerClosed {
			n.log.Error("RPC endpoint failed", "err", err)
		}
	}()
	n.rec.Start()
	n.log.Info("Proxy node started", "rpc", ln.Addr(), "coins", len(n.engines))
	return nil
}

// Close tears the daemon down: stop accepting requests, drain the
// reconciler, then release engines and the store.
func (n *Node) Close() {
	if n.httpSrv != nil {
		n.httpSrv.Close()
	}
	n.rec.Close()
	n.rpcSrv.Stop()
	for _, e := range n.engines {
		e.Close()
	}
	if err := n.db.Close(); err != nil {
		n.log.Error("Store close failed", "err", err)
	}
	n.log.Info("Proxy node stopped")
}

func buildEngine(db *store.DB, c *config.Coin) (proxy.Adapter, error) {
	core, err := coreConfig(c)
	if err != nil {
		return nil, err
	}
	switch c.Type {
	case config.TypeButerin:
		return eth.DialEngine(db, eth.Config{
			CoreConfig: core,
			URL:        c.URL,
			Mnemonic:   c.Mnemonic,
			GasLimit:   c.GasLimit,
		})
	case config.TypeERC20:
		return erc20.DialEngine(db, erc20.Config{
			CoreConfig: core,
			URL:        c.URL,
			Mnemonic:   c.Mnemonic,
			Token:      c.Token,
			StartBlock: c.StartBlock,
			GasLimit:   c.GasLimit,
		})
	case config.TypeSatoshi:
		params := &chaincfg.MainNetParams
		if c.Testnet {
			params = &chaincfg.TestNet3Params
		}
		return btc.DialEngine(db, btc.Config{
			CoreConfig: core,
			Host:       c.Host,
			RPCUser:    c.RPCUser,
			RPCPass:    c.RPCPass,
			Account:    c.Account,
			Unlock:     c.Unlock,
			Params:     params,
		})
	case config.TypeRipple:
		return xrp.DialEngine(db, xrp.Config{
			CoreConfig: core,
			URL:        c.URL,
			Account:    c.Account,
			Secret:     c.Secret,
		})
	}
	return nil, fmt.Errorf("unknown coin type %q", c.Type)
}

func coreConfig(c *config.Coin) (proxy.CoreConfig, error) {
	mode, err := decimal.ParseRounding(c.Rounding)
	if err != nil {
		return proxy.CoreConfig{}, err
	}
	codec := decimal.New(c.Decimals, mode)
	parse := func(s string) (*big.Int, error) {
		if s == "" {
			return new(big.Int), nil
		}
		return codec.ParseUnsigned(s)
	}
	minimum, err := parse(c.MinimumAmount)
	if err != nil {
		return proxy.CoreConfig{}, err
	}
	fee, err := parse(c.StaticFee)
	if err != nil {
		return proxy.CoreConfig{}, err
	}
	return proxy.CoreConfig{
		Coin:          c.Name,
		CoinType:      c.Type,
		Decimals:      c.Decimals,
		Rounding:      mode,
		Minimum:       minimum,
		StaticFee:     fee,
		Confirmations: c.Confirmations,
	}, nil
}
