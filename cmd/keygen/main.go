package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"

	"pump-roadmap-bot/internal/wallet"
)

// keygen prints the base58 private key for a seed phrase, or creates a new
// phrase when none is given. The output is what private_key in bot.yaml expects.
func main() {
	mnemonic := flag.String("mnemonic", "", "Seed phrase to derive from (a new one is generated when empty)")
	passphrase := flag.String("passphrase", "", "Optional bip39 passphrase")
	words := flag.Int("words", 12, "Word count for a generated phrase (12 or 24)")
	flag.Parse()

	if err := run(os.Stdout, *mnemonic, *passphrase, *words); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, mnemonic, passphrase string, words int) error {
	if mnemonic == "" {
		bits := 128
		if words == 24 {
			bits = 256
		} else if words != 12 {
			return fmt.Errorf("words must be 12 or 24, got %d", words)
		}
		entropy, err := bip39.NewEntropy(bits)
		if err != nil {
			return fmt.Errorf("failed to create entropy: %w", err)
		}
		if mnemonic, err = bip39.NewMnemonic(entropy); err != nil {
			return fmt.Errorf("failed to create mnemonic: %w", err)
		}
		fmt.Fprintf(out, "Mnemonic:    %s\n", mnemonic)
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	w, err := wallet.NewWallet(wallet.WalletConfig{Mnemonic: mnemonic, Passphrase: passphrase}, nil, quiet)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Public key:  %s\n", w.PublicKey())
	fmt.Fprintf(out, "Private key: %s\n", w.EncodedPrivateKey())
	return nil
}
