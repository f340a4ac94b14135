package ws

import (
	"encoding/json"
	"sync"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/op"
)

// Hub 维护本进程的房间成员表：roomID -> 连接集合。
// 成员关系只存在内存里，首个 Join 建房，清零即拆房。
// 跨进程的成员互不可见，跨进程投递靠 feed.Watcher 消费共享变更流。
type Hub struct {
	presence cache.PresenceCache
	// 保护 rooms；加入/离开/广播都先拿锁
	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定房间
// 房间里存连接而不是 userID：同一用户可开多个标签页/设备，广播要逐连接发
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

// Leave 将连接移出房间；返回房间是否因此清空（调用方据此做软回收）
func (h *Hub) Leave(roomID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
			return true
		}
	}
	return false
}

func (h *Hub) MemberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// BroadcastCursor 把光标位姿转给同房间的其他成员（排除发送者）。
// 队列满就丢，没有任何顺序保证——光标是 last-write-wins 的咨询信号
func (h *Hub) BroadcastCursor(roomID string, sender *Conn, userID uint64, cursor json.RawMessage) {
	// 遍历期间持读锁：入队不阻塞，Join/Leave 不会并发改写成员集合
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg := CursorMessage{Type: "cursor", RoomID: roomID, UserID: userID, Cursor: cursor}
	for c := range h.rooms[roomID] {
		if c == sender {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastOperation 把已持久化的操作投给房间全部成员（含发起者，回显即确认）。
// 只被 feed.Watcher 调用：操作必须先落库再送达
func (h *Hub) BroadcastOperation(roomID string, o op.Operation) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg := OperationMessage{Type: "operation", RoomID: roomID, Op: o}
	for c := range h.rooms[roomID] {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(roomID string, members []PresenceMember) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg := ServerMessage{Type: "presence", RoomID: roomID, Members: members}
	for c := range h.rooms[roomID] {
		c.SendMessage_Enqueue(msg)
	}
}
