// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// ChatAttachment 对应于数据库中的 'chat_attachments' 表。
// 用户随消息发送的内联图像会先归档到对象存储，这里保存其元数据以便溯源。
type ChatAttachment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"index;not null" json:"userId"`
	SessionID   string    `gorm:"type:varchar(64);index" json:"sessionId"`
	ObjectName  string    `gorm:"type:varchar(255);not null" json:"objectName"`
	ContentType string    `gorm:"type:varchar(100)" json:"contentType"`
	Size        int64     `gorm:"not null" json:"size"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ChatAttachment) TableName() string {
	return "chat_attachments"
}
