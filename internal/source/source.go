// Package source 提供链上事件源
//
// 事件源抽象了托管合约的日志流：按区块范围一次性拉取、
// 订阅新事件、查询链头和指定高度的区块头。所有日志在此边界
// 解码为强类型事件，投影端不接触原始 ABI 数据。
package source

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/bountylab/bounty-indexer/internal/blockchain"
	"github.com/bountylab/bounty-indexer/internal/model"
	"github.com/bountylab/bounty-indexer/pkg/logger"
)

// EventSource 链上事件源
type EventSource interface {
	// FetchRange 拉取 [fromBlock, toBlock] 区间内的全部事件，
	// 按 (block_number, log_index) 升序返回
	FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]*model.Event, error)

	// Subscribe 从 fromBlock 开始订阅新事件。返回的通道在
	// ctx 取消后关闭，可重复调用以重建订阅
	Subscribe(ctx context.Context, fromBlock uint64) (<-chan *model.Event, error)

	// CurrentHead 返回链头高度
	CurrentHead(ctx context.Context) (uint64, error)

	// HeaderAt 返回指定高度的区块头 (用于重组检测)
	HeaderAt(ctx context.Context, number uint64) (*model.BlockHeader, error)
}

// ChainSource 基于 RPC 日志过滤的事件源实现
type ChainSource struct {
	client       *blockchain.Client
	chainID      int64
	contract     common.Address
	pollInterval time.Duration
	bufferSize   int
}

// ChainSourceConfig 事件源配置
type ChainSourceConfig struct {
	Contract     common.Address
	PollInterval time.Duration
	BufferSize   int
}

// NewChainSource 创建事件源
func NewChainSource(client *blockchain.Client, cfg *ChainSourceConfig) *ChainSource {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}

	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = 256
	}

	return &ChainSource{
		client:       client,
		chainID:      client.ChainID(),
		contract:     cfg.Contract,
		pollInterval: pollInterval,
		bufferSize:   bufferSize,
	}
}

// FetchRange 拉取区块范围内的事件
func (s *ChainSource) FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]*model.Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{watchedTopics()},
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	events := make([]*model.Event, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			// 节点在响应中标记了被重组移除的日志
			continue
		}
		event, err := DecodeLog(s.chainID, log)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})

	return events, nil
}

// Subscribe 订阅新事件 (轮询实现)
//
// 从 fromBlock 开始拉取，与回填终点衔接时不会漏块。
func (s *ChainSource) Subscribe(ctx context.Context, fromBlock uint64) (<-chan *model.Event, error) {
	if fromBlock == 0 {
		head, err := s.CurrentHead(ctx)
		if err != nil {
			return nil, err
		}
		fromBlock = head + 1
	}

	ch := make(chan *model.Event, s.bufferSize)

	go func() {
		defer close(ch)

		lastSeen := fromBlock - 1
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := s.client.BlockNumber(ctx)
			if err != nil {
				logger.Warn("failed to poll chain head",
					zap.Int64("chain_id", s.chainID),
					zap.Error(err))
				continue
			}
			if current <= lastSeen {
				continue
			}

			events, err := s.FetchRange(ctx, lastSeen+1, current)
			if err != nil {
				if IsDecodeError(err) {
					// 解码失败重试同一区间不可能成功: 关闭通道，
					// 引擎回到回填路径重扫该区间并以此停机
					logger.Error("structural decode failure, closing subscription",
						zap.Uint64("from", lastSeen+1),
						zap.Uint64("to", current),
						zap.Error(err))
					return
				}
				logger.Warn("failed to fetch new events",
					zap.Uint64("from", lastSeen+1),
					zap.Uint64("to", current),
					zap.Error(err))
				continue
			}

			for _, event := range events {
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
			lastSeen = current
		}
	}()

	return ch, nil
}

// CurrentHead 返回链头高度
func (s *ChainSource) CurrentHead(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

// HeaderAt 返回指定高度的区块头
func (s *ChainSource) HeaderAt(ctx context.Context, number uint64) (*model.BlockHeader, error) {
	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}

	return &model.BlockHeader{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
	}, nil
}
