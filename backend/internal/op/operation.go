package op

import (
	"encoding/json"
	"errors"
	"time"
)

// 操作类型是封闭集合，与前端白板的事件一一对应
type Type string

const (
	TypeDraw   Type = "draw"
	TypeMove   Type = "move"
	TypeText   Type = "text"
	TypeDelete Type = "delete"
)

var ErrInvalidType = errors.New("INVALID_OPERATION_TYPE")

func (t Type) Valid() bool {
	switch t {
	case TypeDraw, TypeMove, TypeText, TypeDelete:
		return true
	}
	return false
}

// Operation 是协作变更的最小单位，按房间分片追加写入。
// 写入后不可变：没有 update/delete，只有 insert，这样日志才能安全重放。
// ID 由存储层自增分配，即房间内的全序（store order）。
type Operation struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID string `gorm:"size:64;index;not null" json:"roomId"`
	OpType Type   `gorm:"column:operation_type;size:16;not null" json:"operationType"`
	// data 对服务端是不透明的：CRDT delta 载荷 + 操作自带字段，原样透传
	Data json.RawMessage `gorm:"type:json" json:"data"`
	// 仅作展示/调试用途的因果元数据，一致性由 CRDT 引擎保证
	VectorClock VectorClock `gorm:"type:json" json:"vectorClock,omitempty"`
	// 服务端接受时刻。多进程并发写入时不保证单调，排序一律以 ID 为准
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	UserID uint64 `gorm:"index" json:"userId"`
	// 操作唯一标识（用于幂等/追踪）
	OperationID string `gorm:"column:operation_uid;size:64;uniqueIndex" json:"operationId"`
}

func (Operation) TableName() string { return "operations" }
