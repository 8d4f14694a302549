package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Signer signs transactions with the trading wallet
type Signer interface {
	PublicKey() string
	Sign(tx *solana.Transaction) error
}

// Sender submits signed transactions over RPC and waits for them
type Sender interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	WaitForConfirmation(ctx context.Context, signature string) error
}

// BundleSender submits a signed transaction through a bundle relay
type BundleSender interface {
	SendAndConfirmTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// PortalConfig configures the trade API executor
type PortalConfig struct {
	Endpoint        string
	Pool            string
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	ConfirmTimeout  time.Duration
	TradesPerSecond float64
}

// Portal builds trades through the PumpPortal trade-local API, signs them
// with the local wallet and submits them over RPC or a bundle relay.
type Portal struct {
	cfg        PortalConfig
	httpClient *http.Client
	signer     Signer
	sender     Sender
	bundles    BundleSender
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewPortal creates the executor. bundles may be nil to send over RPC only.
func NewPortal(cfg PortalConfig, signer Signer, sender Sender, bundles BundleSender, logger *logrus.Logger) *Portal {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://pumpportal.fun/api/trade-local"
	}
	if cfg.Pool == "" {
		cfg.Pool = "pump"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	limit := rate.Inf
	if cfg.TradesPerSecond > 0 {
		limit = rate.Limit(cfg.TradesPerSecond)
	}

	return &Portal{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		sender:     sender,
		bundles:    bundles,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

type tradeLocalRequest struct {
	PublicKey        string  `json:"publicKey"`
	Action           string  `json:"action"`
	Mint             string  `json:"mint"`
	Amount           string  `json:"amount"`
	DenominatedInSol string  `json:"denominatedInSol"`
	Slippage         float64 `json:"slippage"`
	PriorityFee      float64 `json:"priorityFee"`
	Pool             string  `json:"pool"`
}

// SubmitTrade executes req, retrying up to the configured attempts
func (p *Portal) SubmitTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	start := time.Now()
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		attempts = attempt
		if err := p.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		sig, err := p.execute(ctx, req)
		if err == nil {
			return TradeResult{
				Success:   true,
				Signature: sig,
				AmountSOL: amountSOL(req),
				Attempts:  attempt,
				TradeTime: time.Since(start),
			}, nil
		}
		lastErr = err

		p.logger.WithFields(logrus.Fields{
			"mint":      req.Mint,
			"direction": req.Direction,
			"attempt":   attempt,
			"max":       p.cfg.MaxRetries,
		}).WithError(err).Warn("⚠️ Trade attempt failed")

		if ctx.Err() != nil || attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.RetryDelay):
		}
	}

	return TradeResult{
		Error:     lastErr.Error(),
		Attempts:  attempts,
		TradeTime: time.Since(start),
	}, fmt.Errorf("%w: %s %s: %v", ErrTradeFailed, req.Direction, req.Mint, lastErr)
}

func (p *Portal) execute(ctx context.Context, req TradeRequest) (string, error) {
	tx, err := p.buildTransaction(ctx, req)
	if err != nil {
		return "", err
	}

	if err := p.signer.Sign(tx); err != nil {
		return "", err
	}

	if p.bundles != nil {
		sig, err := p.bundles.SendAndConfirmTransaction(ctx, tx)
		if err != nil {
			return "", err
		}
		return sig.String(), nil
	}

	sig, err := p.sender.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()
	if err := p.sender.WaitForConfirmation(confirmCtx, sig.String()); err != nil {
		return "", err
	}
	return sig.String(), nil
}

// buildTransaction asks the trade API for an unsigned serialized transaction
func (p *Portal) buildTransaction(ctx context.Context, req TradeRequest) (*solana.Transaction, error) {
	body := tradeLocalRequest{
		PublicKey:        p.signer.PublicKey(),
		Action:           string(req.Direction),
		Mint:             req.Mint,
		Amount:           strconv.FormatFloat(req.Amount, 'f', -1, 64),
		DenominatedInSol: "true",
		Slippage:         req.SlippagePercent,
		PriorityFee:      req.PriorityFee,
		Pool:             req.Pool,
	}
	if body.Pool == "" {
		body.Pool = p.cfg.Pool
	}
	if req.Direction == Sell {
		body.DenominatedInSol = "false"
		if req.SellAll {
			body.Amount = "100%"
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trade request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("trade API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read trade API response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trade API error %d: %s", resp.StatusCode, string(data))
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

func amountSOL(req TradeRequest) float64 {
	if req.Direction == Buy {
		return req.Amount
	}
	return 0
}
