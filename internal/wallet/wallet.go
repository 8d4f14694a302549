package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/blocto/solana-go-sdk/types"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"

	"pump-roadmap-bot/internal/config"
)

// BalanceReader reads an account balance in lamports
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// Wallet represents the trading keypair
type Wallet struct {
	account types.Account
	rpc     BalanceReader
	logger  *logrus.Logger
}

// WalletConfig contains wallet configuration. PrivateKey takes precedence
// over Mnemonic.
type WalletConfig struct {
	PrivateKey string
	Mnemonic   string
	Passphrase string
	Network    string
}

// NewWallet creates a wallet from a base58 private key or a bip39 mnemonic
func NewWallet(cfg WalletConfig, rpc BalanceReader, logger *logrus.Logger) (*Wallet, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var (
		account types.Account
		err     error
	)
	switch {
	case cfg.PrivateKey != "":
		account, err = types.AccountFromBase58(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
	case cfg.Mnemonic != "":
		account, err = AccountFromMnemonic(cfg.Mnemonic, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("private key or mnemonic is required")
	}

	w := &Wallet{account: account, rpc: rpc, logger: logger}

	logger.WithFields(logrus.Fields{
		"public_key": w.PublicKey(),
		"network":    cfg.Network,
	}).Info("🔑 Wallet initialized")

	return w, nil
}

// AccountFromMnemonic derives the keypair the Solana CLI derives from a
// seed phrase without a derivation path: ed25519 over the first 32 seed bytes.
func AccountFromMnemonic(mnemonic, passphrase string) (types.Account, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return types.Account{}, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	account, err := types.AccountFromSeed(seed[:32])
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to derive account: %w", err)
	}
	return account, nil
}

// PublicKey returns the wallet's public key as base58 string
func (w *Wallet) PublicKey() string {
	return w.account.PublicKey.ToBase58()
}

// EncodedPrivateKey returns the 64 byte private key in base58
func (w *Wallet) EncodedPrivateKey() string {
	return base58.Encode(w.account.PrivateKey)
}

// Signer returns the private key in the form transaction signing expects
func (w *Wallet) Signer() solana.PrivateKey {
	return solana.PrivateKey(w.account.PrivateKey)
}

// Sign signs tx as its only signer. Placeholder signatures left by the
// trade API are replaced.
func (w *Wallet) Sign(tx *solana.Transaction) error {
	signer := w.Signer()
	owner := signer.PublicKey()

	tx.Signatures = nil
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// GetBalance returns the wallet's SOL balance in lamports
func (w *Wallet) GetBalance(ctx context.Context) (uint64, error) {
	if w.rpc == nil {
		return 0, fmt.Errorf("no RPC client configured")
	}

	balance, err := w.rpc.GetBalance(ctx, w.PublicKey())
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"balance_lamports": balance,
		"balance_sol":      config.ConvertLamportsToSOL(balance),
	}).Debug("Retrieved wallet balance")

	return balance, nil
}

// Balance returns the wallet's SOL balance
func (w *Wallet) Balance(ctx context.Context) (float64, error) {
	balance, err := w.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return config.ConvertLamportsToSOL(balance), nil
}

// FixedBalance is a balance oracle with a constant answer, for paper trading
type FixedBalance float64

// Balance returns the fixed amount
func (f FixedBalance) Balance(context.Context) (float64, error) {
	return float64(f), nil
}
