package models

// CreditAccount 持有一名患者的加急消息额度。
// Balance 的权威副本在这里；Redis 中的镜像仅作缓存。
// check 约束兜底保证余额永不为负，受控扣减在仓储层完成。
type CreditAccount struct {
	BaseModel
	PatientID uint `gorm:"uniqueIndex;not null" json:"patientId"`
	Balance   int  `gorm:"not null;default:0;check:balance >= 0" json:"balance"`

	// 关联关系
	Patient User `gorm:"foreignKey:PatientID" json:"patient,omitempty"`
}

// TableName 指定 CreditAccount 模型的表名。
func (CreditAccount) TableName() string {
	return "credit_accounts"
}

// IsLastCredit reports whether spending one more urgent credit would empty the
// account. The UI uses this to surface a one-time warning.
func (c *CreditAccount) IsLastCredit() bool {
	return c.Balance == 1
}
