// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// User 对应于数据库中的 'users' 表，代表一名平台操作员。
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"type:varchar(255);not null" json:"-"` // bcrypt 哈希，不对外暴露
	Role      string    `gorm:"type:varchar(20);not null;default:USER" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}
