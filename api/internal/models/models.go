package models // 模型包

import ( // 依赖导入
	"encoding/json" // 原始 JSON
	"time"          // 时间类型
)

type IdempotencyRecord struct { // 幂等记录
	TenantID      string          `json:"tenant_id"`      // 租户 ID
	KeyHash       string          `json:"key_hash"`       // 幂等键哈希
	OperationName string          `json:"operation_name"` // 操作名称
	Response      json.RawMessage `json:"response"`       // 缓存响应
	StatusCode    int             `json:"status_code"`    // 状态码
	CreatedAt     time.Time       `json:"created_at"`     // 创建时间
	ExpiresAt     time.Time       `json:"expires_at"`     // 过期时间
}

type Card struct { // 信用卡聚合
	CardID        string    `json:"card_id"`        // 卡 ID
	TenantID      string    `json:"tenant_id"`      // 租户 ID
	HolderName    string    `json:"holder_name"`    // 持卡人
	CreditLimit   int64     `json:"credit_limit"`   // 信用额度（最小货币单位）
	Balance       int64     `json:"balance"`        // 当前欠款（最小货币单位）
	Currency      string    `json:"currency"`       // 币种
	Status        string    `json:"status"`         // 状态
	ApplicationID string    `json:"application_id"` // 来源申请 ID
	CreatedAt     time.Time `json:"created_at"`     // 创建时间
	UpdatedAt     time.Time `json:"updated_at"`     // 更新时间
}

type CardTransaction struct { // 卡交易流水
	TransactionID string    `json:"transaction_id"`     // 交易 ID
	CardID        string    `json:"card_id"`            // 卡 ID
	TenantID      string    `json:"tenant_id"`          // 租户 ID
	Kind          string    `json:"kind"`               // 类型（purchase/payment）
	Amount        int64     `json:"amount"`             // 金额
	BalanceAfter  int64     `json:"balance_after"`      // 交易后余额
	Merchant      string    `json:"merchant,omitempty"` // 商户
	CreatedAt     time.Time `json:"created_at"`         // 创建时间
}

type CardApplication struct { // 开卡申请
	ApplicationID  string     `json:"application_id"`            // 申请 ID
	TenantID       string     `json:"tenant_id"`                 // 租户 ID
	ApplicantName  string     `json:"applicant_name"`            // 申请人
	RequestedLimit int64      `json:"requested_limit"`           // 申请额度
	Currency       string     `json:"currency"`                  // 币种
	Status         string     `json:"status"`                    // 状态
	DecidedBy      string     `json:"decided_by,omitempty"`      // 决策人
	DecisionReason string     `json:"decision_reason,omitempty"` // 决策原因
	DecidedAt      *time.Time `json:"decided_at,omitempty"`      // 决策时间
	CardID         string     `json:"card_id,omitempty"`         // 发卡 ID
	CreatedAt      time.Time  `json:"created_at"`                // 创建时间
}

type OutboxEvent struct { // 发件箱事件
	EventID        string          `json:"event_id"`                // 事件 ID
	EventType      string          `json:"event_type"`              // 事件类型
	EntityType     string          `json:"entity_type"`             // 实体类型
	EntityID       string          `json:"entity_id"`               // 实体 ID
	TenantID       string          `json:"tenant_id"`               // 租户 ID
	SequenceNumber int64           `json:"sequence_number"`         // 实体流序号
	Payload        json.RawMessage `json:"payload"`                 // 负载数据
	Status         string          `json:"status"`                  // 状态
	RetryCount     int             `json:"retry_count"`             // 重试次数
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"` // 下次重试时间
	LastError      string          `json:"last_error,omitempty"`    // 最近错误
	CreatedAt      time.Time       `json:"created_at"`              // 创建时间
	SentAt         *time.Time      `json:"sent_at,omitempty"`       // 发送时间
	Revision       int64           `json:"-"`                       // 存储版本
}

type ApprovalTracker struct { // 审批过期跟踪
	RequestID          string     `json:"request_id"`                     // 请求 ID
	TenantID           string     `json:"tenant_id"`                      // 租户 ID
	Status             string     `json:"status"`                         // 审批状态
	ExpiresAt          time.Time  `json:"expires_at"`                     // 过期时间
	CreatedAt          time.Time  `json:"created_at"`                     // 创建时间
	RespondingActor    string     `json:"responding_actor,omitempty"`     // 响应人
	ResponseReceivedAt *time.Time `json:"response_received_at,omitempty"` // 响应时间
	Revision           int64      `json:"-"`                              // 存储版本
}
