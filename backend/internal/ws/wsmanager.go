package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h        *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	presence cache.PresenceCache
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, presence cache.PresenceCache) *Manager {
	return &Manager{h: h, svc: svc, sem: sem, presence: presence}
}

// WebSocketConnect 完成握手后把连接绑死到 token 声明的房间：
// 一条连接，一个房间，直到断开。
// 认证失败根本到不了这里——鉴权中间件已经用 401 拒掉了连接尝试。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	roomID := c.GetString("roomId")
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	if roomID == "" {
		// 令牌合法但没带房间声明，同样按认证失败处理
		c.String(http.StatusUnauthorized, "missing room claim")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, roomID, userID, username, m.svc, m.sem, m.presence)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.send <- ServerMessage{Type: "welcome", RoomID: roomID, UserID: userID}

	m.h.Join(roomID, wsConn)
	if m.presence != nil {
		if err := m.presence.AddMember(c.Request.Context(), roomID, userID, username, presenceTTL); err != nil {
			log.Printf("add member error: %v", err)
		}
		// 新成员加入后向全房间推一次最新名单
		if members, err := m.presence.GetAliveMembersWithNames(c.Request.Context(), roomID); err == nil {
			out := make([]PresenceMember, len(members))
			for i, mem := range members {
				out[i] = PresenceMember{UserID: mem.UserID, Username: mem.Username}
			}
			m.h.BroadcastPresence(roomID, out)
		}
	}

	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())

	// 断开：在飞的 append 不回滚（已被接受的操作照常送达他人）
	m.teardown(roomID, userID, wsConn)
}

// teardown 的顺序是硬约束：先退房，再关出站队列。
// 广播方持读锁遍历成员，Leave 持写锁——Leave 返回后不会再有人
// 往这条连接的队列投递，此时关闭才不会撞上 send-on-closed-channel。
func (m *Manager) teardown(roomID string, userID uint64, c *Conn) {
	if emptied := m.h.Leave(roomID, c); emptied {
		// 房间清零后的软回收：副本状态和该用户的限流窗口一起丢。
		// 单纯断开不清限流窗口，否则重连一次就能重置滑动窗口，
		// 也会误伤同一用户仍在线的其他标签页
		m.svc.ReleaseRoom(roomID)
		m.svc.ForgetUser(userID)
	}
	close(c.send)
}
