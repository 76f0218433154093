package source

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/bountylab/bounty-indexer/internal/model"
)

var (
	// ErrUnknownEventTopic 未知的事件签名
	ErrUnknownEventTopic = errors.New("unknown event topic")
	// ErrMalformedLog 日志结构不符合事件签名
	ErrMalformedLog = errors.New("malformed event log")
)

// 合约事件签名
//
// BountyEscrow 合约发出的六种事件。data 中携带投影所需的
// 合约状态快照，避免投影端自行累加。
var (
	topicBountyCreated       = crypto.Keccak256Hash([]byte("BountyCreated(uint256,address,address,uint256,uint256,uint256,uint256,bool)"))
	topicSubmissionCreated   = crypto.Keccak256Hash([]byte("SubmissionCreated(uint256,uint256,address)"))
	topicSubmissionValidated = crypto.Keccak256Hash([]byte("SubmissionValidated(uint256,uint8,bool,uint256)"))
	topicRewardPaid          = crypto.Keccak256Hash([]byte("RewardPaid(uint256,address,uint256)"))
	topicBountyCompleted     = crypto.Keccak256Hash([]byte("BountyCompleted(uint256)"))
	topicBountyCancelled     = crypto.Keccak256Hash([]byte("BountyCancelled(uint256)"))
)

// IsDecodeError 判断是否为日志解码失败
//
// 解码失败是结构性的: 对同一日志重试不可能成功。
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrUnknownEventTopic) || errors.Is(err, ErrMalformedLog)
}

// watchedTopics 返回索引器关注的全部事件主题
func watchedTopics() []common.Hash {
	return []common.Hash{
		topicBountyCreated,
		topicSubmissionCreated,
		topicSubmissionValidated,
		topicRewardPaid,
		topicBountyCompleted,
		topicBountyCancelled,
	}
}

// tokenDecimals 支付代币精度
const tokenDecimals = -18

// DecodeLog 将原始日志解码为强类型事件
//
// 解码在事件源边界一次性完成，投影函数不再接触 topics/data。
// 解码失败属于结构性错误，由引擎按 Structural 处理。
func DecodeLog(chainID int64, log types.Log) (*model.Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics (tx=%s)", ErrMalformedLog, log.TxHash.Hex())
	}

	var (
		payload   model.EventPayload
		eventType model.EventType
		err       error
	)

	switch log.Topics[0] {
	case topicBountyCreated:
		eventType = model.EventTypeBountyCreated
		payload, err = decodeBountyCreated(log)
	case topicSubmissionCreated:
		eventType = model.EventTypeSubmissionCreated
		payload, err = decodeSubmissionCreated(log)
	case topicSubmissionValidated:
		eventType = model.EventTypeSubmissionValidated
		payload, err = decodeSubmissionValidated(log)
	case topicRewardPaid:
		eventType = model.EventTypeRewardPaid
		payload, err = decodeRewardPaid(log)
	case topicBountyCompleted:
		eventType = model.EventTypeBountyCompleted
		payload, err = decodeBountyCompleted(log)
	case topicBountyCancelled:
		eventType = model.EventTypeBountyCancelled
		payload, err = decodeBountyCancelled(log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventTopic, log.Topics[0].Hex())
	}
	if err != nil {
		return nil, err
	}

	return &model.Event{
		ChainID:         chainID,
		ContractAddress: model.NormalizeAddress(log.Address.Hex()),
		EventType:       eventType,
		BlockNumber:     log.BlockNumber,
		BlockHash:       log.BlockHash.Hex(),
		TxHash:          log.TxHash.Hex(),
		LogIndex:        log.Index,
		Payload:         payload,
	}, nil
}

func decodeBountyCreated(log types.Log) (model.EventPayload, error) {
	if len(log.Topics) < 3 || len(log.Data) < 6*32 {
		return nil, fmt.Errorf("%w: BountyCreated (tx=%s)", ErrMalformedLog, log.TxHash.Hex())
	}

	return model.BountyCreatedPayload{
		BountyID:        topicInt64(log.Topics[1]),
		CompanyAddress:  topicAddress(log.Topics[2]),
		TokenAddress:    wordAddress(log.Data, 0),
		TotalReward:     wordAmount(log.Data, 1),
		RemainingReward: wordAmount(log.Data, 2),
		LockAmount:      wordAmount(log.Data, 3),
		Deadline:        wordInt64(log.Data, 4),
		Active:          wordBool(log.Data, 5),
	}, nil
}

func decodeSubmissionCreated(log types.Log) (model.EventPayload, error) {
	if len(log.Topics) < 4 {
		return nil, fmt.Errorf("%w: SubmissionCreated (tx=%s)", ErrMalformedLog, log.TxHash.Hex())
	}

	return model.SubmissionCreatedPayload{
		SubmissionID:  topicInt64(log.Topics[1]),
		BountyID:      topicInt64(log.Topics[2]),
		HunterAddress: topicAddress(log.Topics[3]),
	}, nil
}

func decodeSubmissionValidated(log types.Log) (model.EventPayload, error) {
	if len(log.Topics) < 2 || len(log.Data) < 3*32 {
		return nil, fmt.Errorf("%w: SubmissionValidated (tx=%s)", ErrMalformedLog, log.TxHash.Hex())
	}

	return model.SubmissionValidatedPayload{
		SubmissionID: topicInt64(log.Topics[1]),
		Severity:     model.Severity(wordInt64(log.Data, 0)),
		IsValid:      wordBool(log.Data, 1),
		RewardDebit:  wordAmount(log.Data, 2),
	}, nil
}

func decodeRewardPaid(log types.Log) (model.EventPayload, error) {
	if len(log.Topics) < 3 || len(log.Data) < 32 {
		return nil, fmt.Errorf("%w: RewardPaid (tx=%s)", ErrMalformedLog, log.TxHash.Hex())
	}

	return model.RewardPaidPayload{
		SubmissionID:  topicInt64(log.Topics[1]),
		HunterAddress: topicAddress(log.Topics[2]),
		Amount:        wordAmount(log.Data, 0),
	}, nil
}

func decodeBountyCompleted(log types.Log) (model.EventPayload, error) {
	if len(log.Topics) < 2 {
		return nil, fmt.Errorf("%w: BountyCompleted (tx=%s)", ErrMalformedLog, log.TxHash.Hex())
	}
	return model.BountyCompletedPayload{BountyID: topicInt64(log.Topics[1])}, nil
}

func decodeBountyCancelled(log types.Log) (model.EventPayload, error) {
	if len(log.Topics) < 2 {
		return nil, fmt.Errorf("%w: BountyCancelled (tx=%s)", ErrMalformedLog, log.TxHash.Hex())
	}
	return model.BountyCancelledPayload{BountyID: topicInt64(log.Topics[1])}, nil
}

// topicInt64 从 indexed topic 解析整数
func topicInt64(topic common.Hash) int64 {
	return new(big.Int).SetBytes(topic.Bytes()).Int64()
}

// topicAddress 从 indexed topic 解析地址
func topicAddress(topic common.Hash) string {
	return model.NormalizeAddress(common.HexToAddress(topic.Hex()).Hex())
}

// word 返回 data 中第 i 个 32 字节字
func word(data []byte, i int) []byte {
	return data[i*32 : (i+1)*32]
}

func wordAddress(data []byte, i int) string {
	return model.NormalizeAddress(common.BytesToAddress(word(data, i)).Hex())
}

func wordAmount(data []byte, i int) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetBytes(word(data, i)), tokenDecimals)
}

func wordInt64(data []byte, i int) int64 {
	return new(big.Int).SetBytes(word(data, i)).Int64()
}

func wordBool(data []byte, i int) bool {
	return new(big.Int).SetBytes(word(data, i)).Sign() != 0
}
