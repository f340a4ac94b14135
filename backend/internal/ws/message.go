package ws

import (
	"encoding/json"

	"syncServer/backend/internal/op"
)

type ClientMessage struct {
	Type string `json:"type"`
	// cursor 事件：位姿载荷 {x, y, ...}，服务端不关心内容，原样转发
	Cursor json.RawMessage `json:"cursor,omitempty"`
	// operation 事件
	OperationType op.Type         `json:"operationType,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	VectorClock   op.VectorClock  `json:"vectorClock,omitempty"`
	// catchup 事件：请求重放 afterId 之后的日志
	AfterID uint64 `json:"afterId,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type    string           `json:"type"`
	RoomID  string           `json:"roomId,omitempty"`
	UserID  uint64           `json:"userId,omitempty"`
	Members []PresenceMember `json:"members,omitempty"`
	Content string           `json:"content,omitempty"`
}

// 转发给房间内其他成员的光标事件（带上发送者）。
// 不持久化，不保序，丢了就丢了——最新位姿马上会再来
type CursorMessage struct {
	Type   string          `json:"type"` // 固定 "cursor"
	RoomID string          `json:"roomId"`
	UserID uint64          `json:"userId"`
	Cursor json.RawMessage `json:"cursor"`
}

// 已持久化操作的投递事件。
// 只有落库成功的操作才会以这个形态到达客户端（经由 feed.Watcher）
type OperationMessage struct {
	Type   string       `json:"type"` // 固定 "operation"
	RoomID string       `json:"roomId"`
	Op     op.Operation `json:"op"`
}

// 给提交方的回执：落库成功，附存储分配的序号
type AcceptedMessage struct {
	Type        string `json:"type"` // 固定 "accepted"
	RoomID      string `json:"roomId"`
	OperationID string `json:"operationId"`
	Seq         uint64 `json:"seq"`
}

type CatchupDoneMessage struct {
	Type   string `json:"type"` // 固定 "catchup_done"
	RoomID string `json:"roomId"`
	// 重放到的游标，客户端下次从这里继续
	Cursor uint64 `json:"cursor"`
	Count  int    `json:"count"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m CursorMessage) MessageType() string      { return m.Type }
func (m OperationMessage) MessageType() string   { return m.Type }
func (m AcceptedMessage) MessageType() string    { return m.Type }
func (m CatchupDoneMessage) MessageType() string { return m.Type }
