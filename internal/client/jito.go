package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
)

// JitoClient submits transactions as Jito bundles
type JitoClient struct {
	endpoint     string
	apiKey       string
	httpClient   *http.Client
	logger       *logrus.Logger
	pollInterval time.Duration
	confirmWait  time.Duration
}

// JitoClientConfig contains configuration for JITO client
type JitoClientConfig struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
	ConfirmWait  time.Duration
}

// JitoBundleStatus represents bundle status
type JitoBundleStatus struct {
	BundleID           string      `json:"bundle_id"`
	Transactions       []string    `json:"transactions"`
	Slot               uint64      `json:"slot"`
	ConfirmationStatus string      `json:"confirmation_status"`
	Err                interface{} `json:"err"`
}

// NewJitoClient creates a new JITO RPC client
func NewJitoClient(config JitoClientConfig, logger *logrus.Logger) *JitoClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.ConfirmWait == 0 {
		config.ConfirmWait = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &JitoClient{
		endpoint:     config.Endpoint,
		apiKey:       config.APIKey,
		httpClient:   &http.Client{Timeout: config.Timeout},
		logger:       logger,
		pollInterval: config.PollInterval,
		confirmWait:  config.ConfirmWait,
	}
}

// makeJitoRequest makes a JSON-RPC request to JITO
func (jc *JitoClient) makeJitoRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, jc.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if jc.apiKey != "" {
		req.Header.Set("x-jito-auth", jc.apiKey)
	}

	jc.logger.WithField("method", method).Debug("Making JITO RPC request")

	resp, err := jc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(responseBody))
	}

	var rpcResponse struct {
		Result json.RawMessage   `json:"result,omitempty"`
		Error  *jsonrpc.RPCError `json:"error,omitempty"`
	}

	if err := json.Unmarshal(responseBody, &rpcResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResponse.Error != nil {
		return nil, rpcResponse.Error
	}

	return rpcResponse.Result, nil
}

// EncodeTransaction serializes a signed transaction the way sendBundle expects
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base58.Encode(data), nil
}

// SendBundle sends a bundle of base58 encoded transactions
func (jc *JitoClient) SendBundle(ctx context.Context, encodedTransactions []string) (string, error) {
	result, err := jc.makeJitoRequest(ctx, "sendBundle", []interface{}{encodedTransactions})
	if err != nil {
		return "", fmt.Errorf("sendBundle failed: %w", err)
	}

	var bundleID string
	if err := json.Unmarshal(result, &bundleID); err != nil {
		return "", fmt.Errorf("failed to unmarshal bundle ID: %w", err)
	}

	jc.logger.WithFields(logrus.Fields{
		"bundle_id":    bundleID,
		"transactions": len(encodedTransactions),
	}).Info("📦 JITO bundle sent")

	return bundleID, nil
}

// GetBundleStatus gets the status of a JITO bundle
func (jc *JitoClient) GetBundleStatus(ctx context.Context, bundleID string) (*JitoBundleStatus, error) {
	result, err := jc.makeJitoRequest(ctx, "getBundleStatuses", []interface{}{[]string{bundleID}})
	if err != nil {
		return nil, fmt.Errorf("getBundleStatuses failed: %w", err)
	}

	var bundleStatuses struct {
		Value []JitoBundleStatus `json:"value"`
	}

	if err := json.Unmarshal(result, &bundleStatuses); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle status: %w", err)
	}

	if len(bundleStatuses.Value) == 0 {
		return nil, fmt.Errorf("bundle status not found for ID: %s", bundleID)
	}

	return &bundleStatuses.Value[0], nil
}

// ConfirmBundle waits for bundle confirmation
func (jc *JitoClient) ConfirmBundle(ctx context.Context, bundleID string) error {
	ticker := time.NewTicker(jc.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := jc.GetBundleStatus(ctx, bundleID)
			if err != nil {
				jc.logger.WithError(err).Debug("Failed to get bundle status")
				continue
			}

			if bundleFailed(status.Err) {
				return fmt.Errorf("bundle failed: %v", status.Err)
			}

			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				jc.logger.WithFields(logrus.Fields{
					"bundle_id": bundleID,
					"status":    status.ConfirmationStatus,
					"slot":      status.Slot,
				}).Info("✅ JITO bundle confirmed")
				return nil
			}
		}
	}
}

// bundleFailed reads the err field of a bundle status; {"Ok": null} is success
func bundleFailed(e interface{}) bool {
	if e == nil {
		return false
	}
	if m, ok := e.(map[string]interface{}); ok {
		_, success := m["Ok"]
		return !success
	}
	return true
}

// SendAndConfirmTransaction submits one signed transaction as a bundle and
// waits for it to land. Returns the transaction signature.
func (jc *JitoClient) SendAndConfirmTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, fmt.Errorf("transaction is not signed")
	}

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return solana.Signature{}, err
	}

	bundleID, err := jc.SendBundle(ctx, []string{encoded})
	if err != nil {
		return solana.Signature{}, err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, jc.confirmWait)
	defer cancel()

	if err := jc.ConfirmBundle(confirmCtx, bundleID); err != nil {
		return tx.Signatures[0], fmt.Errorf("bundle sent but confirmation failed: %w", err)
	}

	return tx.Signatures[0], nil
}

// GetTipAccounts gets JITO tip accounts
func (jc *JitoClient) GetTipAccounts(ctx context.Context) ([]string, error) {
	result, err := jc.makeJitoRequest(ctx, "getTipAccounts", []interface{}{})
	if err != nil {
		return nil, fmt.Errorf("getTipAccounts failed: %w", err)
	}

	var tipAccounts []string
	if err := json.Unmarshal(result, &tipAccounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tip accounts: %w", err)
	}

	return tipAccounts, nil
}

// HealthCheck checks if JITO service is healthy
func (jc *JitoClient) HealthCheck(ctx context.Context) error {
	if _, err := jc.GetTipAccounts(ctx); err != nil {
		return fmt.Errorf("JITO health check failed: %w", err)
	}
	return nil
}
