// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// ExecutionComment 对应于数据库中的 'execution_comments' 表。
// 操作员可以对某次校准执行留下备注，供团队复盘时查阅。
type ExecutionComment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ChipID      string    `gorm:"type:varchar(100);index:idx_chip_execution;not null" json:"chipId"`
	ExecutionID string    `gorm:"type:varchar(100);index:idx_chip_execution;not null" json:"executionId"`
	AuthorID    uint      `gorm:"index;not null" json:"authorId"`
	Content     string    `gorm:"type:text;not null" json:"content"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ExecutionComment) TableName() string {
	return "execution_comments"
}
