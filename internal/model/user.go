package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// UserRole 用户角色
type UserRole string

const (
	UserRoleCompany UserRole = "company"
	UserRoleHunter  UserRole = "hunter"
)

// User 用户投影 (按需惰性创建)
//
// 以小写钱包地址为身份，首次被任一投影函数引用时创建。
// 角色由首次引用的上下文决定，后续引用不会覆盖。
type User struct {
	ID            int64    `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletAddress string   `gorm:"column:wallet_address;type:varchar(42);uniqueIndex;not null" json:"wallet_address"`
	Role          UserRole `gorm:"column:role;type:varchar(20);not null" json:"role"`
	CreatedAt     int64    `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64    `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (User) TableName() string {
	return "indexer_users"
}

// HunterStats 猎人聚合统计
//
// 增量维护的汇总行，所有变更必须是带守卫的原子自增，
// 不允许全量重算。
type HunterStats struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletAddress    string          `gorm:"column:wallet_address;type:varchar(42);uniqueIndex;not null" json:"wallet_address"`
	TotalEarned      decimal.Decimal `gorm:"column:total_earned;type:decimal(36,18);not null;default:0" json:"total_earned"`
	TotalSubmissions int64           `gorm:"column:total_submissions;type:bigint;not null;default:0" json:"total_submissions"`
	ValidSubmissions int64           `gorm:"column:valid_submissions;type:bigint;not null;default:0" json:"valid_submissions"`
	PaidSubmissions  int64           `gorm:"column:paid_submissions;type:bigint;not null;default:0" json:"paid_submissions"`
	CreatedAt        int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt        int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (HunterStats) TableName() string {
	return "indexer_hunter_stats"
}

// NormalizeAddress 规一化钱包地址 (小写)
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}
