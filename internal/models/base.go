package models

import (
	"strconv"
	"time"

	"gorm.io/gorm"
)

// BaseModel 是所有实体共享的主键与时间戳字段。软删除开启：
// 诊疗相关数据只标记不物理删除。
type BaseModel struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt,omitempty"`
}

// IDString 返回十进制字符串形式的主键。线上协议里的用户与消息 ID
// 一律是字符串，数据库侧才是整型。
func (b *BaseModel) IDString() string {
	return strconv.FormatUint(uint64(b.ID), 10)
}
