package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBountyStatus_String(t *testing.T) {
	tests := []struct {
		status   BountyStatus
		expected string
	}{
		{BountyStatusActive, "ACTIVE"},
		{BountyStatusCompleted, "COMPLETED"},
		{BountyStatusCancelled, "CANCELLED"},
		{BountyStatus(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

// TestBountyStatus_CanTransitionTo 状态只能向前流转
func TestBountyStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, BountyStatusActive.CanTransitionTo(BountyStatusCompleted))
	assert.True(t, BountyStatusActive.CanTransitionTo(BountyStatusCancelled))

	// 终态不可离开，也不可回退
	assert.False(t, BountyStatusCompleted.CanTransitionTo(BountyStatusActive))
	assert.False(t, BountyStatusCompleted.CanTransitionTo(BountyStatusCancelled))
	assert.False(t, BountyStatusCancelled.CanTransitionTo(BountyStatusActive))
	assert.False(t, BountyStatusActive.CanTransitionTo(BountyStatusActive))
}

func TestBountyStatus_IsTerminal(t *testing.T) {
	assert.False(t, BountyStatusActive.IsTerminal())
	assert.True(t, BountyStatusCompleted.IsTerminal())
	assert.True(t, BountyStatusCancelled.IsTerminal())
}

func TestBounty_TableName(t *testing.T) {
	bounty := &Bounty{}
	assert.Equal(t, "indexer_bounties", bounty.TableName())
}

func TestBounty_Fields(t *testing.T) {
	bounty := &Bounty{
		BountyID:        7,
		CompanyAddress:  "0xaa00000000000000000000000000000000000001",
		TokenAddress:    "0xcc00000000000000000000000000000000000003",
		TotalReward:     decimal.NewFromInt(50000),
		RemainingReward: decimal.NewFromInt(50000),
		LockAmount:      decimal.NewFromInt(5000),
		Deadline:        1767225600000,
		Active:          true,
		Status:          BountyStatusActive,
		ChainID:         137,
		BlockNumber:     12345,
		TxHash:          "0xabc123",
	}

	assert.Equal(t, int64(7), bounty.BountyID)
	assert.True(t, bounty.TotalReward.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, BountyStatusActive, bounty.Status)
	assert.True(t, bounty.Active)
}
