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

// r5wallet is the operator tool for the proxy's HD deposit wallets:
// it generates mnemonics and inspects the addresses they derive.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v2"

	"github.com/r5-labs/r5-proxy/proxy/eth"
)

type outputAddress struct {
	Index      uint32
	Address    string
	PrivateKey string `json:",omitempty"`
}

var (
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "output in JSON format",
	}
	privateFlag = &cli.BoolFlag{
		Name:  "private",
		Usage: "include private keys in the output",
	}
	countFlag = &cli.IntFlag{
		Name:  "count",
		Usage: "number of leaf indices to derive",
		Value: 5,
	}
)

var commandGenerate = &cli.Command{
	Name:  "generate",
	Usage: "generate a fresh deposit wallet mnemonic",
	Description: `
Generate a new BIP-39 mnemonic suitable for the Mnemonic option of an
account-based coin. Store it safely: it controls the root account and
every derived deposit address.`,
	Flags: []cli.Flag{jsonFlag},
	Action: func(ctx *cli.Context) error {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}
		if ctx.Bool(jsonFlag.Name) {
			return printJSON(map[string]string{"Mnemonic": mnemonic})
		}
		fmt.Println(mnemonic)
		return nil
	},
}

var commandInspect = &cli.Command{
	Name:      "inspect",
	Usage:     "list the addresses a mnemonic derives",
	ArgsUsage: "<mnemonic words...>",
	Description: `
Derive the proxy's view of a deposit wallet: index 0 is the root
account, the following indices are handed to users in order.

Private key information can be printed by using the --private flag;
make sure to use this feature with great caution!`,
	Flags: []cli.Flag{jsonFlag, privateFlag, countFlag},
	Action: func(ctx *cli.Context) error {
		mnemonic := strings.Join(ctx.Args().Slice(), " ")
		wallet, err := eth.NewWallet(mnemonic)
		if err != nil {
			return err
		}
		showPrivate := ctx.Bool(privateFlag.Name)
		count := ctx.Int(countFlag.Name)
		out := make([]outputAddress, 0, count)
		for i := 0; i < count; i++ {
			key, addr, err := wallet.Key(uint32(i))
			if err != nil {
				return err
			}
			entry := outputAddress{Index: uint32(i), Address: addr.Hex()}
			if showPrivate {
				entry.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))
			}
			out = append(out, entry)
		}
		if ctx.Bool(jsonFlag.Name) {
			return printJSON(out)
		}
		for _, entry := range out {
			role := "user"
			if entry.Index == 0 {
				role = "root"
			}
			fmt.Printf("%4d (%s)  %s\n", entry.Index, role, entry.Address)
			if showPrivate {
				fmt.Printf("            %s\n", entry.PrivateKey)
			}
		}
		return nil
	},
}

func printJSON(v interface{}) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}

func main() {
	app := &cli.App{
		Name:     "r5wallet",
		Usage:    "deposit wallet utility",
		Commands: []*cli.Command{commandGenerate, commandInspect},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
