package config

// Solana network constants
const (
	SolanaMainnetRPC = "https://api.mainnet-beta.solana.com"
	SolanaDevnetRPC  = "https://api.devnet.solana.com"

	// Jito bundle endpoints
	JitoMainnetBundle = "https://mainnet.block-engine.jito.wtf/api/v1/bundles"
	JitoDevnetBundle  = "https://devnet.block-engine.jito.wtf/api/v1/bundles"

	// PumpPortal endpoints
	PumpPortalDataWS   = "wss://pumpportal.fun/api/data"
	PumpPortalTradeAPI = "https://pumpportal.fun/api/trade-local"

	// Solana constants
	LamportsPerSol = 1_000_000_000

	// Transaction constants
	MaxRetries        = 3
	RetryDelayMs      = 1000
	ConfirmTimeoutSec = 30
)

// Trading constants
const (
	// Default slippage in percent
	DefaultSlippagePercent = 15.0

	// Minimum SOL amount for trades
	MinTradeAmountSOL = 0.0001

	// Maximum SOL amount for trades
	MaxTradeAmountSOL = 5.0

	// Default buy amount in SOL
	DefaultBuyAmountSOL = 0.01

	// Default relevance threshold in SOL
	DefaultRelevantAmount = 0.05

	// Non-relevant trades of one direction that confirm a streak
	DefaultNonRelevantTolerance = 3

	// Token supply of a pump.fun bonding curve at launch
	DefaultTotalBondingCurveTokens = 1_073_000_000
)

// Worker roles
const (
	RoleScanner = "scanner"
	RoleSniper  = "sniper"
)

// GetRPCEndpoint returns RPC endpoint based on network
func GetRPCEndpoint(network string) string {
	switch network {
	case "mainnet":
		return SolanaMainnetRPC
	case "devnet":
		return SolanaDevnetRPC
	default:
		return SolanaMainnetRPC
	}
}

// GetJitoBundleEndpoint returns Jito bundle endpoint based on network
func GetJitoBundleEndpoint(network string) string {
	switch network {
	case "mainnet":
		return JitoMainnetBundle
	case "devnet":
		return JitoDevnetBundle
	default:
		return JitoMainnetBundle
	}
}

// ConvertSOLToLamports converts SOL to lamports
func ConvertSOLToLamports(sol float64) uint64 {
	return uint64(sol * LamportsPerSol)
}

// ConvertLamportsToSOL converts lamports to SOL
func ConvertLamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSol
}
