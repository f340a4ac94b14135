package handlers

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"

	"syncServer/backend/internal/collab"
)

// REST 侧的追平/恢复入口，与 socket 的 catchup 等价。
// 路由挂在鉴权中间件之后；房间以令牌声明为准，路径参数只做一致性校验。

type RoomHandlers struct {
	svc collab.Service
}

func NewRoomHandlers(svc collab.Service) *RoomHandlers {
	return &RoomHandlers{svc: svc}
}

// GET /rooms/:roomID/operations?after=<id>&limit=<n>
func (h *RoomHandlers) ListOperations(c *gin.Context) {
	roomID := c.Param("roomID")
	if roomID == "" || roomID != c.GetString("roomId") {
		c.JSON(403, gin.H{"code": "FORBIDDEN", "message": "token is not scoped to this room"})
		return
	}

	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "invalid after cursor"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil || limit < 0 {
		c.JSON(400, gin.H{"code": "BAD_REQUEST", "message": "invalid limit"})
		return
	}

	ops, err := h.svc.OpsSince(c.Request.Context(), roomID, after, limit)
	if err != nil {
		c.JSON(502, gin.H{"code": "STORAGE_ERROR", "message": err.Error()})
		return
	}
	cursor := after
	if len(ops) > 0 {
		cursor = ops[len(ops)-1].ID
	}
	c.JSON(200, gin.H{"roomId": roomID, "operations": ops, "cursor": cursor})
}

// GET /rooms/:roomID/snapshot
// 恢复可以从快照状态 + 游标起步，再用 operations?after=cursor 补尾巴
func (h *RoomHandlers) LatestSnapshot(c *gin.Context) {
	roomID := c.Param("roomID")
	if roomID == "" || roomID != c.GetString("roomId") {
		c.JSON(403, gin.H{"code": "FORBIDDEN", "message": "token is not scoped to this room"})
		return
	}

	snap, err := h.svc.LatestSnapshot(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(502, gin.H{"code": "STORAGE_ERROR", "message": err.Error()})
		return
	}
	if snap == nil {
		c.JSON(404, gin.H{"code": "NO_SNAPSHOT", "message": "room has no snapshot yet"})
		return
	}
	c.JSON(200, gin.H{
		"roomId":    snap.RoomID,
		"cursor":    snap.LastOpID,
		"state":     json.RawMessage(snap.State),
		"createdAt": snap.CreatedAt,
	})
}
