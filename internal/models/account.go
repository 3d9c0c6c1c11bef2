package models

import "time"

// Account 账号池中的一个上游账号
// 同时作为 gorm 表 pool_accounts 的行结构
type Account struct {
	Email             string        `gorm:"primaryKey;size:255" json:"email"`
	Password          string        `gorm:"column:password;size:255" json:"password"`
	Status            AccountStatus `gorm:"column:status;size:20;default:'inactive';index:idx_pool_status" json:"status"`
	Token             string        `gorm:"column:token;type:text" json:"token"`
	CreatedAt         string        `gorm:"column:created_at;size:50" json:"created_at"`
	LastUsedAt        string        `gorm:"column:last_used;size:50" json:"last_used"`
	RequestCount      int64         `gorm:"column:request_count;default:0" json:"request_count"`
	ErrorCount        int64         `gorm:"column:error_count;default:0" json:"error_count"`
	ConsecutiveErrors int           `gorm:"column:consecutive_errors;default:0" json:"consecutive_errors"`

	// 快照中的顺序，仅数据库后端使用
	Position int `gorm:"column:position;index" json:"-"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "pool_accounts"
}

// NewAccount 创建未登录的账号
func NewAccount(email, password string) *Account {
	return &Account{
		Email:     email,
		Password:  password,
		Status:    StatusInactive,
		CreatedAt: CurrentTime(),
	}
}

// IsEligible 是否可参与轮询：状态为 active 且持有 token
func (a *Account) IsEligible() bool {
	return a.Status == StatusActive && a.Token != ""
}

// Clone 返回副本，对外暴露账号时使用
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// AccountView 对外展示的账号信息（隐藏密码与 token）
type AccountView struct {
	Email             string        `json:"email"`
	Status            AccountStatus `json:"status"`
	HasToken          bool          `json:"has_token"`
	CreatedAt         string        `json:"created_at"`
	LastUsedAt        string        `json:"last_used"`
	RequestCount      int64         `json:"request_count"`
	ErrorCount        int64         `json:"error_count"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
}

// View 转换为对外展示结构
func (a *Account) View() AccountView {
	return AccountView{
		Email:             a.Email,
		Status:            a.Status,
		HasToken:          a.Token != "",
		CreatedAt:         a.CreatedAt,
		LastUsedAt:        a.LastUsedAt,
		RequestCount:      a.RequestCount,
		ErrorCount:        a.ErrorCount,
		ConsecutiveErrors: a.ConsecutiveErrors,
	}
}

// AccountCreate 手动添加账号请求
type AccountCreate struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TimeFormat 时间格式（带时区）
const TimeFormat = "2006-01-02T15:04:05Z07:00"

// CurrentTime 返回当前本地时间的格式字符串
func CurrentTime() string {
	return time.Now().Format(TimeFormat)
}
