package chain

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Client defines the read-side chain access that higher layers depend on.
// Implementations must be safe for concurrent use by multiple agent loops.
type Client interface {
	// BlockHeight returns the current chain head number.
	BlockHeight(ctx context.Context) (uint64, error)
	// BlockTimestamp returns the timestamp of the given block.
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	// FilterLogs runs a bounded log query. Queries must stay within the
	// node's range limits; chunking is the caller's responsibility.
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error)
	// CallContract executes a read-only contract call at the latest block.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	// BalanceAt returns the native-token balance of an address.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	Close()
}

// Submitter sends state-changing calls. Key custody and signing live
// outside this process; every call from one address must be serialized
// through the lock manager.
type Submitter interface {
	Submit(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (common.Hash, error)
}
