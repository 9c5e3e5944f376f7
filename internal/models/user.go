package models

import "time"

// UserRole 定义门户中的用户角色。
type UserRole string

const (
	PatientRole   UserRole = "patient"
	ClinicianRole UserRole = "clinician"
)

// User 代表门户中的用户（患者或医生）。
type User struct {
	BaseModel
	Username     string     `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"type:varchar(255);not null" json:"-"` // 不暴露密码哈希
	Email        string     `gorm:"type:varchar(100);uniqueIndex" json:"email,omitempty"`
	DisplayName  string     `gorm:"type:varchar(100)" json:"displayName,omitempty"`
	Role         UserRole   `gorm:"type:varchar(20);not null;default:'patient';index" json:"role"`
	AvatarURL    string     `gorm:"type:varchar(255)" json:"avatarUrl,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`

	// 关联关系
	SentMessages []Message      `gorm:"foreignKey:SenderID" json:"sentMessages,omitempty"`
	Credits      *CreditAccount `gorm:"foreignKey:PatientID" json:"credits,omitempty"` // 仅患者持有
}

// UserBasicInfo holds minimal public information about a user,
// used for display-name resolution in conversation lists.
type UserBasicInfo struct {
	ID          uint     `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	Role        UserRole `json:"role"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
}

// TableName 指定 User 模型的表名。
func (User) TableName() string {
	return "users"
}
