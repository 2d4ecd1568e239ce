package wallet

import (
	"context"
	"math/big"
)

// TxStatus is the terminal-state view of an underlying-chain transaction.
type TxStatus string

const (
	StatusPending  TxStatus = "pending"
	StatusSuccess  TxStatus = "success"
	StatusFailed   TxStatus = "failed"
	StatusReplaced TxStatus = "replaced"
)

// StatusResult describes what the wallet currently knows about a transaction.
type StatusResult struct {
	Status        TxStatus
	TxHash        string
	ReplacedByID  string
	Confirmations uint64
}

// Payment is a settled incoming transfer found on the underlying chain.
type Payment struct {
	TxHash      string
	BlockNumber uint64
	Amount      *big.Int
	Reference   string
}

// Wallet is the underlying-chain collaborator. Key custody, signing and the
// chain-specific mechanics live behind this boundary; the agent only sees
// opaque transaction ids until a hash is known.
type Wallet interface {
	// AddTransaction submits a payment and returns a wallet-local id.
	AddTransaction(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error)
	// CheckTransactionStatus reports the current status for a wallet id.
	CheckTransactionStatus(ctx context.Context, txID string) (StatusResult, error)
	// GetBalance returns the spendable balance of an address.
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	// GetTransactionFee estimates the fee of a plain payment.
	GetTransactionFee(ctx context.Context) (*big.Int, error)
	// FindPayment looks for a settled payment to address carrying the given
	// reference and exact amount inside the block window.
	FindPayment(ctx context.Context, address, reference string, amount *big.Int, firstBlock, lastBlock uint64) (*Payment, error)
	// UnderlyingBlockHeight returns the current underlying chain height.
	UnderlyingBlockHeight(ctx context.Context) (uint64, error)
}
