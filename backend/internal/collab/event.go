package collab

import (
	"syncServer/backend/internal/op"
)

// 变更流事件：一条操作在 MySQL 落库成功之后才会被派发。
// 消费侧（feed.Watcher）据此向房间成员广播，保证客户端只会看到已持久化的操作。
type RoomOpEvent struct {
	EventType string       `json:"eventType"` // 固定 "OP_PERSISTED"
	RoomID    string       `json:"roomId"`
	Op        op.Operation `json:"op"`
}

const EventOpPersisted = "OP_PERSISTED"
