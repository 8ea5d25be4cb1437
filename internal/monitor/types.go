package monitor

import (
	"time"

	"trades-sentinel/internal/risk"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventTriggerTransition EventType = "trigger_transition"
	EventRiskConfig        EventType = "risk_config"
	EventEngineState       EventType = "engine_state"
	EventError             EventType = "error"
)

// Event 为一条审计记录。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Filter 为审计查询条件，零值表示不过滤。
type Filter struct {
	Type   EventType
	Symbol string
	Limit  int
}

// TransitionPayload 记录触发单状态变化。
type TransitionPayload struct {
	TriggerID      string  `json:"trigger_id"`
	Kind           string  `json:"kind"`
	Direction      string  `json:"direction,omitempty"`
	From           string  `json:"from,omitempty"`
	To             string  `json:"to"`
	Reason         string  `json:"reason,omitempty"`
	TriggerPrice   float64 `json:"trigger_price"`
	ReferencePrice float64 `json:"reference_price,omitempty"`
	Size           float64 `json:"size"`
	OrderID        string  `json:"order_id,omitempty"`
	Episode        uint64  `json:"episode"`
}

// RiskConfigPayload 记录风控参数变更。
type RiskConfigPayload struct {
	Config  risk.Config `json:"config"`
	Removed bool        `json:"removed"`
	Source  string      `json:"source"`
}

// EngineStatePayload 记录暂停与恢复。
type EngineStatePayload struct {
	Paused bool `json:"paused"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
