package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
)

// Client represents a Solana RPC client wrapper
type Client struct {
	client *rpc.Client
	logger *logrus.Logger
	config ClientConfig
}

// ClientConfig contains configuration for Solana client
type ClientConfig struct {
	RPCEndpoint   string
	APIKey        string
	Timeout       time.Duration
	SkipPreflight bool
	MaxRetries    uint
	PollInterval  time.Duration
}

// NewClient creates a new Solana RPC client
func NewClient(config ClientConfig, logger *logrus.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	var rpcClient *rpc.Client
	if config.APIKey != "" {
		rpcClient = rpc.NewWithHeaders(config.RPCEndpoint, map[string]string{
			"Authorization": "Bearer " + config.APIKey,
		})
	} else {
		rpcClient = rpc.New(config.RPCEndpoint)
	}

	return &Client{
		client: rpcClient,
		logger: logger,
		config: config,
	}
}

// GetBalance gets account balance in lamports
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	result, err := c.client.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("getBalance failed: %w", err)
	}

	return result.Value, nil
}

// GetLatestBlockhash returns the most recent finalized blockhash
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	result, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("getLatestBlockhash failed: %w", err)
	}

	return result.Value.Blockhash, nil
}

// SendTransaction sends a signed transaction to the network
func (c *Client) SendTransaction(ctx context.Context, transaction *solana.Transaction) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.config.SkipPreflight,
		PreflightCommitment: rpc.CommitmentProcessed,
	}
	if c.config.MaxRetries > 0 {
		opts.MaxRetries = &c.config.MaxRetries
	}

	sig, err := c.client.SendTransactionWithOpts(ctx, transaction, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction failed: %w", err)
	}

	c.logger.WithField("signature", sig.String()).Debug("📤 Transaction sent")
	return sig, nil
}

// ConfirmTransaction checks once whether a transaction reached confirmed status
func (c *Client) ConfirmTransaction(ctx context.Context, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	result, err := c.GetSignatureStatus(ctx, sig)
	if err != nil {
		return fmt.Errorf("getSignatureStatus failed: %w", err)
	}

	if result == nil {
		return fmt.Errorf("transaction not found")
	}

	if result.Err != nil {
		return &TransactionError{Signature: signature, Err: result.Err}
	}

	if result.ConfirmationStatus != rpc.ConfirmationStatusConfirmed && result.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
		return fmt.Errorf("transaction not confirmed, status: %s", result.ConfirmationStatus)
	}

	return nil
}

// TransactionError reports a transaction that landed but failed on chain.
// Waiting longer will not change the outcome.
type TransactionError struct {
	Signature string
	Err       interface{}
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Signature, e.Err)
}

// WaitForConfirmation polls until the transaction is confirmed, fails on
// chain or ctx ends.
func (c *Client) WaitForConfirmation(ctx context.Context, signature string) error {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		err := c.ConfirmTransaction(ctx, signature)
		if err == nil {
			return nil
		}
		var txErr *TransactionError
		if errors.As(err, &txErr) {
			return txErr
		}
		c.logger.WithField("signature", signature).Debug("⏳ Waiting for confirmation...")

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation of %s timed out: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetSlot gets current slot
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	result, err := c.client.GetSlot(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("getSlot failed: %w", err)
	}

	return result, nil
}

// GetSignatureStatus gets single signature status
func (c *Client) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*rpc.SignatureStatusesResult, error) {
	result, err := c.client.GetSignatureStatuses(ctx, true, signature)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses failed: %w", err)
	}

	if result == nil || len(result.Value) == 0 {
		return nil, fmt.Errorf("signature not found")
	}

	return result.Value[0], nil
}

// HealthCheck verifies the RPC node answers
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.GetSlot(ctx); err != nil {
		return fmt.Errorf("RPC health check failed: %w", err)
	}
	return nil
}
