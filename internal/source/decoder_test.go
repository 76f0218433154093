package source

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bountylab/bounty-indexer/internal/model"
)

const (
	testCompany = "0xaa00000000000000000000000000000000000001"
	testHunter  = "0xbb00000000000000000000000000000000000002"
	testToken   = "0xcc00000000000000000000000000000000000003"
)

// uintTopic 将整数编码为 32 字节 topic
func uintTopic(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

// addrTopic 将地址编码为 32 字节 topic
func addrTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

// packWords 将若干 32 字节字拼接为事件 data
func packWords(words ...common.Hash) []byte {
	data := make([]byte, 0, len(words)*32)
	for _, w := range words {
		data = append(data, w.Bytes()...)
	}
	return data
}

// tokenWei 按 18 位精度将整数转为链上最小单位
func tokenWei(v int64) common.Hash {
	wei := new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return common.BigToHash(wei)
}

func baseLog(topic0 common.Hash) types.Log {
	return types.Log{
		Address:     common.HexToAddress("0xdd00000000000000000000000000000000000004"),
		Topics:      []common.Hash{topic0},
		BlockNumber: 100,
		BlockHash:   common.HexToHash("0x1111"),
		TxHash:      common.HexToHash("0x2222"),
		Index:       3,
	}
}

// TestDecodeLog_BountyCreated 解码 BountyCreated
func TestDecodeLog_BountyCreated(t *testing.T) {
	log := baseLog(topicBountyCreated)
	log.Topics = append(log.Topics, uintTopic(7), addrTopic(testCompany))
	log.Data = packWords(
		addrTopic(testToken),
		tokenWei(50000),
		tokenWei(50000),
		tokenWei(5000),
		uintTopic(1767225600),
		uintTopic(1),
	)

	event, err := DecodeLog(137, log)
	require.NoError(t, err)

	assert.Equal(t, model.EventTypeBountyCreated, event.EventType)
	assert.Equal(t, int64(137), event.ChainID)
	assert.Equal(t, uint64(100), event.BlockNumber)
	assert.Equal(t, uint(3), event.LogIndex)

	payload, ok := event.Payload.(model.BountyCreatedPayload)
	require.True(t, ok)
	assert.Equal(t, int64(7), payload.BountyID)
	assert.Equal(t, testCompany, payload.CompanyAddress)
	assert.Equal(t, testToken, payload.TokenAddress)
	assert.True(t, payload.TotalReward.Equal(decimal.NewFromInt(50000)))
	assert.True(t, payload.RemainingReward.Equal(decimal.NewFromInt(50000)))
	assert.True(t, payload.LockAmount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, int64(1767225600), payload.Deadline)
	assert.True(t, payload.Active)
}

// TestDecodeLog_SubmissionCreated 解码 SubmissionCreated
func TestDecodeLog_SubmissionCreated(t *testing.T) {
	log := baseLog(topicSubmissionCreated)
	log.Topics = append(log.Topics, uintTopic(3), uintTopic(7), addrTopic(testHunter))

	event, err := DecodeLog(137, log)
	require.NoError(t, err)

	payload, ok := event.Payload.(model.SubmissionCreatedPayload)
	require.True(t, ok)
	assert.Equal(t, int64(3), payload.SubmissionID)
	assert.Equal(t, int64(7), payload.BountyID)
	assert.Equal(t, testHunter, payload.HunterAddress)
}

// TestDecodeLog_SubmissionValidated 解码 SubmissionValidated
func TestDecodeLog_SubmissionValidated(t *testing.T) {
	log := baseLog(topicSubmissionValidated)
	log.Topics = append(log.Topics, uintTopic(3))
	log.Data = packWords(uintTopic(int64(model.SeverityHigh)), uintTopic(1), tokenWei(47500))

	event, err := DecodeLog(137, log)
	require.NoError(t, err)

	payload, ok := event.Payload.(model.SubmissionValidatedPayload)
	require.True(t, ok)
	assert.Equal(t, int64(3), payload.SubmissionID)
	assert.Equal(t, model.SeverityHigh, payload.Severity)
	assert.True(t, payload.IsValid)
	assert.True(t, payload.RewardDebit.Equal(decimal.NewFromInt(47500)))
}

// TestDecodeLog_RewardPaid 解码 RewardPaid
func TestDecodeLog_RewardPaid(t *testing.T) {
	log := baseLog(topicRewardPaid)
	log.Topics = append(log.Topics, uintTopic(3), addrTopic(testHunter))
	log.Data = packWords(tokenWei(47500))

	event, err := DecodeLog(137, log)
	require.NoError(t, err)

	payload, ok := event.Payload.(model.RewardPaidPayload)
	require.True(t, ok)
	assert.Equal(t, int64(3), payload.SubmissionID)
	assert.Equal(t, testHunter, payload.HunterAddress)
	assert.True(t, payload.Amount.Equal(decimal.NewFromInt(47500)))
}

// TestDecodeLog_TerminalEvents 解码 BountyCompleted / BountyCancelled
func TestDecodeLog_TerminalEvents(t *testing.T) {
	completed := baseLog(topicBountyCompleted)
	completed.Topics = append(completed.Topics, uintTopic(7))

	event, err := DecodeLog(137, completed)
	require.NoError(t, err)
	assert.Equal(t, model.EventTypeBountyCompleted, event.EventType)
	assert.Equal(t, int64(7), event.Payload.(model.BountyCompletedPayload).BountyID)

	cancelled := baseLog(topicBountyCancelled)
	cancelled.Topics = append(cancelled.Topics, uintTopic(8))

	event, err = DecodeLog(137, cancelled)
	require.NoError(t, err)
	assert.Equal(t, model.EventTypeBountyCancelled, event.EventType)
	assert.Equal(t, int64(8), event.Payload.(model.BountyCancelledPayload).BountyID)
}

// TestDecodeLog_UnknownTopic 未知事件签名报错
func TestDecodeLog_UnknownTopic(t *testing.T) {
	log := baseLog(common.HexToHash("0xdeadbeef"))

	_, err := DecodeLog(137, log)
	assert.ErrorIs(t, err, ErrUnknownEventTopic)
}

// TestDecodeLog_MalformedLog 字段不足报错
func TestDecodeLog_MalformedLog(t *testing.T) {
	t.Run("no topics", func(t *testing.T) {
		_, err := DecodeLog(137, types.Log{})
		assert.ErrorIs(t, err, ErrMalformedLog)
	})

	t.Run("missing indexed topics", func(t *testing.T) {
		log := baseLog(topicSubmissionCreated)
		log.Topics = append(log.Topics, uintTopic(3)) // 缺少 bountyId 和 hunter
		_, err := DecodeLog(137, log)
		assert.ErrorIs(t, err, ErrMalformedLog)
	})

	t.Run("short data", func(t *testing.T) {
		log := baseLog(topicBountyCreated)
		log.Topics = append(log.Topics, uintTopic(7), addrTopic(testCompany))
		log.Data = packWords(addrTopic(testToken)) // 只有 1 个字
		_, err := DecodeLog(137, log)
		assert.ErrorIs(t, err, ErrMalformedLog)
	})
}
