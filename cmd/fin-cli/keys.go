package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"invoicefi/cmd/internal/passphrase"
	"invoicefi/crypto"
)

func runKeygenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var out, passEnv string
	var force bool
	fs.StringVar(&out, "out", "", "keystore file to create")
	fs.StringVar(&passEnv, "passphrase-env", "FIN_KEYSTORE_PASSPHRASE", "environment variable holding the keystore passphrase")
	fs.BoolVar(&force, "force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		fmt.Fprintln(stderr, "Error: --out is required")
		return 1
	}
	if !force {
		if _, err := os.Stat(out); err == nil {
			fmt.Fprintf(stderr, "Error: %s already exists; pass --force to overwrite\n", out)
			return 1
		}
	}
	pass, err := passphrase.NewSource(passEnv, "new").Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: write keystore: %v\n", err)
		return 1
	}
	id := key.Identity()
	fmt.Fprintf(stdout, "address: %s\nhex: %s\nkeystore: %s\n", crypto.AccountAddress(id).String(), common.Address(id).Hex(), out)
	return 0
}

// loadSigningKey decrypts path. Keystores written by the daemon's default
// config carry an empty passphrase and are opened with allowEmpty.
func loadSigningKey(path, passEnv, label string, allowEmpty bool) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("--keystore is required")
	}
	pass := ""
	if !allowEmpty {
		var err error
		if pass, err = passphrase.NewSource(passEnv, label).Get(); err != nil {
			return nil, err
		}
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key, nil
}
