// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Project 对应于数据库中的 'projects' 表。
// 项目用于把芯片、校准执行和聊天范围归组，copilot 请求会携带项目范围头。
type Project struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(100);not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	OwnerID     uint      `gorm:"index;not null" json:"ownerId"`
	Archived    bool      `gorm:"not null;default:false" json:"archived"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Project) TableName() string {
	return "projects"
}
