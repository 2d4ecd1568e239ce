package agent

import (
	"context"
	"log/slog"
	"math/big"

	"FAsset-Agent/internal/chain"
	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/pkg/logger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// pricesPublishedTopic 是价格预言机发布新一轮价格时的事件 topic。
var pricesPublishedTopic = crypto.Keccak256Hash([]byte("PricesPublished(uint256)"))

// ReaderConfig 描述事件读取器的查询参数。
type ReaderConfig struct {
	AssetManager string
	PriceReader  string
	// Finalization 是基础链的终局确认数，只读取已终局的区块。
	Finalization uint64
	// ChunkSize 是单次日志查询的最大区块跨度。
	ChunkSize uint64
	// MaxSpan 是单个周期最多推进的区块数，限制单次追赶的工作量。
	MaxSpan uint64
	Logger  *slog.Logger
}

// Reader 从资产管理合约读取某个金库的事件。
// 纯读取：不改任何状态，游标由调用方持久化。
type Reader struct {
	client       chain.Client
	assetManager common.Address
	priceReader  common.Address
	finalization uint64
	chunk        uint64
	maxSpan      uint64
	log          *slog.Logger
}

// NewReader 创建事件读取器。
func NewReader(cfg ReaderConfig, client chain.Client) (*Reader, error) {
	if !common.IsHexAddress(cfg.AssetManager) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的资产管理合约地址")
	}
	chunk := cfg.ChunkSize
	if chunk == 0 {
		chunk = 25000
	}
	maxSpan := cfg.MaxSpan
	if maxSpan == 0 {
		maxSpan = 1000
	}
	finalization := cfg.Finalization
	if finalization == 0 {
		finalization = 6
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("reader")
	}
	return &Reader{
		client:       client,
		assetManager: common.HexToAddress(cfg.AssetManager),
		priceReader:  common.HexToAddress(cfg.PriceReader),
		finalization: finalization,
		chunk:        chunk,
		maxSpan:      maxSpan,
		log:          log,
	}, nil
}

// Read 返回 (lastRead, 新游标] 范围内该金库的全部事件，按链上顺序排序。
// 上界是已终局高度与单周期跨度上限中较小的一个；没有新区块时游标不动。
func (r *Reader) Read(ctx context.Context, vault string, lastRead uint64) ([]fasset.ChainEvent, uint64, error) {
	height, err := r.client.BlockHeight(ctx)
	if err != nil {
		return nil, lastRead, err
	}
	if height <= r.finalization {
		return nil, lastRead, nil
	}
	upper := height - r.finalization
	if upper > lastRead+r.maxSpan {
		upper = lastRead + r.maxSpan
	}
	if upper <= lastRead {
		return nil, lastRead, nil
	}

	events, err := r.readRange(ctx, vault, lastRead+1, upper)
	if err != nil {
		return nil, lastRead, err
	}
	return events, upper, nil
}

// ReadAt 返回单个区块内该金库的事件，用于重放处理失败的事件。
func (r *Reader) ReadAt(ctx context.Context, vault string, block uint64) ([]fasset.ChainEvent, error) {
	return r.readRange(ctx, vault, block, block)
}

func (r *Reader) readRange(ctx context.Context, vault string, from, to uint64) ([]fasset.ChainEvent, error) {
	var events []fasset.ChainEvent
	for start := from; start <= to; start += r.chunk {
		end := start + r.chunk - 1
		if end > to {
			end = to
		}
		query := gethcore.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{r.assetManager},
			Topics:    [][]common.Hash{nil, {fasset.VaultTopic(vault)}},
		}
		logs, err := r.client.FilterLogs(ctx, query)
		if err != nil {
			return nil, err
		}
		for _, lg := range logs {
			ev, ok, err := fasset.DecodeEvent(lg)
			if err != nil {
				// 单条日志解码失败不终止整个查询。
				r.log.Warn("事件日志解码失败",
					slog.Uint64("block", lg.BlockNumber),
					slog.String("error", err.Error()))
				continue
			}
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}
	fasset.SortEvents(events)
	return events, nil
}

// PricesChanged 判断区间内价格预言机是否发布过新价格，
// 用于决定本周期是否需要做抵押检查。
func (r *Reader) PricesChanged(ctx context.Context, from, to uint64) (bool, error) {
	if (r.priceReader == common.Address{}) || from > to {
		return false, nil
	}
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.priceReader},
		Topics:    [][]common.Hash{{pricesPublishedTopic}},
	}
	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return false, err
	}
	return len(logs) > 0, nil
}
