package models

// AccountStatus 账号状态
type AccountStatus string

const (
	StatusInactive    AccountStatus = "inactive"     // 未登录
	StatusActive      AccountStatus = "active"       // 可用
	StatusRateLimited AccountStatus = "rate_limited" // 被上游限流，只能通过探活或重新登录恢复
	StatusBanned      AccountStatus = "banned"       // 被封禁，只能人工重置
	StatusError       AccountStatus = "error"        // 登录失败或连续错误过多
)

// AllStatuses 全部状态，统计时按此顺序输出
var AllStatuses = []AccountStatus{
	StatusInactive,
	StatusActive,
	StatusRateLimited,
	StatusBanned,
	StatusError,
}

// Valid 检查状态值是否有效
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusRateLimited, StatusBanned, StatusError:
		return true
	}
	return false
}

func (s AccountStatus) String() string { return string(s) }

// StatusEvent 引起状态变化的事件
type StatusEvent int

const (
	EventLoginOK StatusEvent = iota
	EventLoginFailed
	EventProbeOK
	EventProbeFailed
	EventExchangeOK
	EventThresholdReached
	EventRateLimited
	EventBanned
	EventOperatorReset
)

var eventNames = map[StatusEvent]string{
	EventLoginOK:          "login_ok",
	EventLoginFailed:      "login_failed",
	EventProbeOK:          "probe_ok",
	EventProbeFailed:      "probe_failed",
	EventExchangeOK:       "exchange_ok",
	EventThresholdReached: "threshold_reached",
	EventRateLimited:      "rate_limited",
	EventBanned:           "banned",
	EventOperatorReset:    "operator_reset",
}

func (e StatusEvent) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

var transitions = map[StatusEvent]AccountStatus{
	EventLoginOK:          StatusActive,
	EventProbeOK:          StatusActive,
	EventExchangeOK:       StatusActive,
	EventLoginFailed:      StatusError,
	EventProbeFailed:      StatusError,
	EventThresholdReached: StatusError,
	EventRateLimited:      StatusRateLimited,
	EventBanned:           StatusBanned,
	EventOperatorReset:    StatusInactive,
}

// Transition 所有状态变化都经过这里
// banned 只响应人工重置，其他事件保持 banned
func Transition(from AccountStatus, ev StatusEvent) AccountStatus {
	if from == StatusBanned && ev != EventOperatorReset {
		return StatusBanned
	}
	if to, ok := transitions[ev]; ok {
		return to
	}
	return from
}

// ErrorKind markError 的错误分类
type ErrorKind string

const (
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindBan       ErrorKind = "ban"
	ErrorKindGeneric   ErrorKind = "generic"
)
