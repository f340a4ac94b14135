package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/op"
	"syncServer/backend/internal/ratelimit"
	"syncServer/backend/internal/store"
)

// 协作同步引擎接口
type Service interface {
	// Submit 走完接收链路：限流 -> CRDT 合并 -> 落库 -> 入队派发。
	// 成功返回已持久化的操作记录（含存储分配的序号）。
	// 注意 Submit 不直接广播：广播统一由 feed.Watcher 驱动，
	// 保证对端只会收到已经落库的操作。
	Submit(ctx context.Context, roomID string, userID uint64,
		opType op.Type, data json.RawMessage, vclock op.VectorClock) (*op.Operation, error)

	// OpsSince 按存储顺序返回 afterID 之后的操作，用于握手/追平
	OpsSince(ctx context.Context, roomID string, afterID uint64, limit int) ([]op.Operation, error)

	// LatestSnapshot 返回该房间最新快照，恢复时可从快照游标起步而非全量重放
	LatestSnapshot(ctx context.Context, roomID string) (*store.RoomSnapshot, error)

	// ReleaseRoom 丢弃某房间的进程内副本状态（房间清空后的软回收）
	ReleaseRoom(roomID string)

	// ForgetUser 丢弃某用户的限流窗口（软回收，不要求调用）
	ForgetUser(userID uint64)
}

// 操作日志接口，实现在 store 中
type OperationLog interface {
	Append(ctx context.Context, o *op.Operation) (uint64, error)
	ReadSince(ctx context.Context, roomID string, afterID uint64, limit int) ([]op.Operation, error)
}

// 快照存储接口
type SnapshotStore interface {
	SaveRoomSnapshot(ctx context.Context, roomID string, lastOpID uint64, state []byte) error
	LatestRoomSnapshot(ctx context.Context, roomID string) (*store.RoomSnapshot, error)
}

var (
	// 限流丢弃。线上协议里不给客户端报错（与原始行为一致），conn 层只记日志
	ErrRateLimited = errors.New("RATE_LIMITED")
)

// 房间在本进程内的副本状态。
// 按房间一把锁：保证合并顺序 == 接受顺序（跨房间互不影响）
type roomState struct {
	mu    sync.Mutex
	state crdt.State
}

type RoomService struct {
	mu    sync.RWMutex
	rooms map[string]*roomState

	engine     crdt.Engine
	limiter    *ratelimit.Limiter
	oplog      OperationLog
	snapshots  SnapshotStore
	dispatcher *KafkaDispatcher
}

func NewRoomService(engine crdt.Engine, limiter *ratelimit.Limiter, oplog OperationLog,
	snapshots SnapshotStore, dispatcher *KafkaDispatcher) *RoomService {
	return &RoomService{
		rooms:      make(map[string]*roomState),
		engine:     engine,
		limiter:    limiter,
		oplog:      oplog,
		snapshots:  snapshots,
		dispatcher: dispatcher,
	}
}

// 获取或创建指定房间的副本状态
func (s *RoomService) getOrCreateRoom(roomID string) *roomState {
	s.mu.RLock()
	rs := s.rooms[roomID]
	s.mu.RUnlock()
	if rs != nil {
		return rs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs = s.rooms[roomID]; rs == nil {
		rs = &roomState{state: crdt.NewState()}
		s.rooms[roomID] = rs
	}
	return rs
}

func (s *RoomService) Submit(ctx context.Context, roomID string, userID uint64,
	opType op.Type, data json.RawMessage, vclock op.VectorClock) (*op.Operation, error) {
	if !opType.Valid() {
		return nil, op.ErrInvalidType
	}
	// 限流闸门在合并之前：被丢弃的操作不产生任何副作用
	if !s.limiter.Allow(userID) {
		return nil, ErrRateLimited
	}

	rs := s.getOrCreateRoom(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// 先合并算出新状态，落库成功后才提交到副本。
	// 这样 append 失败时副本不含未持久化的变更，不会与日志分叉
	merged, err := s.engine.Merge(rs.state, data)
	if err != nil {
		return nil, err
	}

	record := &op.Operation{
		RoomID:      roomID,
		OpType:      opType,
		Data:        data,
		VectorClock: vclock,
		Timestamp:   time.Now(),
		UserID:      userID,
		OperationID: uuid.NewString(),
	}
	if _, err := s.oplog.Append(ctx, record); err != nil {
		return nil, err
	}
	rs.state = merged

	// 异步派发，入队失败只记日志：消费方可用 ReadSince 追平
	if s.dispatcher != nil {
		evt := RoomOpEvent{EventType: EventOpPersisted, RoomID: roomID, Op: *record}
		if err := s.dispatcher.Enqueue(ctx, evt); err != nil {
			log.Printf("dispatch enqueue failed room=%s op=%s err=%v", roomID, record.OperationID, err)
		}
	}
	return record, nil
}

func (s *RoomService) OpsSince(ctx context.Context, roomID string, afterID uint64, limit int) ([]op.Operation, error) {
	return s.oplog.ReadSince(ctx, roomID, afterID, limit)
}

func (s *RoomService) LatestSnapshot(ctx context.Context, roomID string) (*store.RoomSnapshot, error) {
	if s.snapshots == nil {
		return nil, errors.New("snapshot store not initialized")
	}
	return s.snapshots.LatestRoomSnapshot(ctx, roomID)
}

func (s *RoomService) ReleaseRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *RoomService) ForgetUser(userID uint64) {
	if s.limiter != nil {
		s.limiter.Forget(userID)
	}
}
