package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/store"
)

const (
	presenceTTL  = 600 * time.Second
	cursorTTL    = 30 * time.Second
	catchupBatch = 500
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	roomID   string
	userID   uint64
	username string
	// 出站队列；writeLoop 持续消费
	send chan OutboundMessage
	// 同步引擎服务
	svc collab.Service
	// 信号量控制：限制同时处理的提交数
	sem      *collab.SemaphoreControl
	presence cache.PresenceCache
}

func NewConn(ws *websocket.Conn, hub *Hub, roomID string, userID uint64, username string,
	svc collab.Service, sem *collab.SemaphoreControl, presence cache.PresenceCache) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		roomID:   roomID,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, 32),
		svc:      svc,
		sem:      sem,
		presence: presence,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢。慢客户端只会丢自己的消息，不会拖垮房间
	}
}

// 操作提交链路：限流 -> 合并 -> 落库 -> 异步派发。
// 成功只回 ack；操作本体由 feed.Watcher 在落库事件到达后广播，
// 这样任何客户端都不会看到“重启后可能消失”的操作。
func (c *Conn) handleOperation(ctx context.Context, m ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	record, err := c.svc.Submit(submitCtx, c.roomID, c.userID, m.OperationType, m.Data, m.VectorClock)
	switch {
	case err == nil:
	case errors.Is(err, collab.ErrRateLimited):
		// 线上协议保持静默丢弃（与原始行为一致），只在服务端记一笔
		log.Printf("rate limited user=%d room=%s", c.userID, c.roomID)
		return
	case errors.Is(err, crdt.ErrMalformedDelta):
		// 合并失败只报给提交方，房间和其他连接不受影响
		c.SendMessage_Enqueue(ServerMessage{Type: "error", RoomID: c.roomID, Content: "MERGE_REJECTED"})
		return
	case errors.Is(err, store.ErrStorage):
		log.Printf("append failed user=%d room=%s err=%v", c.userID, c.roomID, err)
		c.SendMessage_Enqueue(ServerMessage{Type: "error", RoomID: c.roomID, Content: "STORAGE_ERROR"})
		return
	default:
		c.SendMessage_Enqueue(ServerMessage{Type: "error", RoomID: c.roomID, Content: err.Error()})
		return
	}

	c.SendMessage_Enqueue(AcceptedMessage{
		Type:        "accepted",
		RoomID:      c.roomID,
		OperationID: record.OperationID,
		Seq:         record.ID,
	})
}

func (c *Conn) handleCursor(ctx context.Context, m ClientMessage) {
	if len(m.Cursor) == 0 {
		return
	}
	c.hub.BroadcastCursor(c.roomID, c, c.userID, m.Cursor)
	// 顺手缓存最新位姿，晚加入的客户端可跨进程取到；失败无所谓
	if c.presence != nil {
		if err := c.presence.SetCursor(ctx, c.roomID, c.userID, m.Cursor, cursorTTL); err != nil {
			log.Printf("set cursor cache error: %v", err)
		}
	}
}

// 追平：按存储顺序重放 afterId 之后的日志，只发给请求方
func (c *Conn) handleCatchup(ctx context.Context, m ClientMessage) {
	cursor := m.AfterID
	total := 0
	for {
		ops, err := c.svc.OpsSince(ctx, c.roomID, cursor, catchupBatch)
		if err != nil {
			log.Printf("catchup read error room=%s err=%v", c.roomID, err)
			c.SendMessage_Enqueue(ServerMessage{Type: "error", RoomID: c.roomID, Content: "STORAGE_ERROR"})
			return
		}
		if len(ops) == 0 {
			break
		}
		for _, o := range ops {
			// 追平走阻塞发送：这是请求方自己要的重放，不能丢条目
			c.send <- OperationMessage{Type: "operation", RoomID: c.roomID, Op: o}
			cursor = o.ID
			total++
		}
	}
	c.SendMessage_Enqueue(CatchupDoneMessage{Type: "catchup_done", RoomID: c.roomID, Cursor: cursor, Count: total})
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.presence == nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
		return
	}
	if err := c.presence.AddMember(ctx, c.roomID, c.userID, c.username, presenceTTL); err != nil {
		log.Printf("add member error: %v", err)
	}
	members, err := c.presence.GetAliveMembersWithNames(ctx, c.roomID)
	if err != nil {
		log.Printf("get members error: %v", err)
	}
	out := make([]PresenceMember, len(members))
	for i, m := range members {
		out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "presence", RoomID: c.roomID, Members: out})
	c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})
}

// 注意 readLoop 不关闭 send 队列：广播方（含 feed.Watcher 的消费协程）
// 可能正持锁遍历成员投递。退房之后才能安全关闭，由 Manager 的拆线路径负责
func (c *Conn) readLoop(ctx context.Context) {
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			log.Printf("read json error (user=%d, room=%s): %v", c.userID, c.roomID, err)
			return
		}
		switch clientMessage.Type {
		case "heartbeat":
			c.handleHeartbeat(ctx)

		case "cursor":
			c.handleCursor(ctx, clientMessage)

		case "operation":
			c.handleOperation(ctx, clientMessage)

		case "catchup":
			c.handleCatchup(ctx, clientMessage)

		default:
			// 忽略未知类型，回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

// 持续消费通道中的出站消息
func (c *Conn) writeLoop() {
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
