package app

import (
	"github.com/bountylab/bounty-indexer/internal/model"
	"gorm.io/gorm"
)

// AutoMigrate 自动迁移投影表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.BlockCheckpoint{},
		&model.User{},
		&model.HunterStats{},
		&model.Bounty{},
		&model.Submission{},
	)
}
