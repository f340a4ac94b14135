package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/op"
)

type recordingBroadcaster struct {
	mu sync.Mutex
	// roomID -> 收到的操作序号
	byRoom map[string][]uint64
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{byRoom: make(map[string][]uint64)}
}

func (b *recordingBroadcaster) BroadcastOperation(roomID string, o op.Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byRoom[roomID] = append(b.byRoom[roomID], o.ID)
}

type countingSnapshotter struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (s *countingSnapshotter) CreateSnapshot(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.calls = append(s.calls, roomID)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func eventBytes(t *testing.T, roomID string, id uint64) []byte {
	t.Helper()
	b, err := json.Marshal(collab.RoomOpEvent{
		EventType: collab.EventOpPersisted,
		RoomID:    roomID,
		Op:        op.Operation{ID: id, RoomID: roomID, OpType: op.TypeDraw},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

func TestHandleMessage_DeliversInStoreOrder(t *testing.T) {
	out := newRecordingBroadcaster()
	w := NewWatcher(nil, "room-ops", out, nil, WatcherOptions{SnapshotEvery: 1000})

	for i := uint64(1); i <= 25; i++ {
		w.handleMessage(eventBytes(t, "room-a", i))
	}

	got := out.byRoom["room-a"]
	if len(got) != 25 {
		t.Fatalf("delivered = %d, want 25", len(got))
	}
	for i, id := range got {
		if id != uint64(i+1) {
			t.Fatalf("delivery order broken at %d: got id %d", i, id)
		}
	}
}

func TestHandleMessage_RoomIsolation(t *testing.T) {
	out := newRecordingBroadcaster()
	w := NewWatcher(nil, "room-ops", out, nil, WatcherOptions{SnapshotEvery: 1000})

	w.handleMessage(eventBytes(t, "room-a", 1))
	w.handleMessage(eventBytes(t, "room-b", 2))
	w.handleMessage(eventBytes(t, "room-a", 3))

	if got := out.byRoom["room-a"]; len(got) != 2 {
		t.Fatalf("room-a delivered = %v, want 2 ops", got)
	}
	if got := out.byRoom["room-b"]; len(got) != 1 || got[0] != 2 {
		t.Fatalf("room-b delivered = %v, want [2]", got)
	}
}

func TestHandleMessage_SnapshotTriggerEveryN(t *testing.T) {
	out := newRecordingBroadcaster()
	snap := &countingSnapshotter{done: make(chan struct{}, 8)}
	w := NewWatcher(nil, "room-ops", out, snap, WatcherOptions{SnapshotEvery: 3})

	for i := uint64(1); i <= 7; i++ {
		w.handleMessage(eventBytes(t, "room-a", i))
	}
	// 第 3、6 条各触发一次（异步执行，等信号）
	for i := 0; i < 2; i++ {
		select {
		case <-snap.done:
		case <-time.After(2 * time.Second):
			t.Fatal("snapshot trigger timed out")
		}
	}
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if len(snap.calls) != 2 {
		t.Fatalf("snapshot calls = %d, want 2", len(snap.calls))
	}
	for _, roomID := range snap.calls {
		if roomID != "room-a" {
			t.Fatalf("snapshot for wrong room %q", roomID)
		}
	}
}

func TestHandleMessage_PerRoomCounters(t *testing.T) {
	out := newRecordingBroadcaster()
	snap := &countingSnapshotter{done: make(chan struct{}, 8)}
	w := NewWatcher(nil, "room-ops", out, snap, WatcherOptions{SnapshotEvery: 2})

	// 两个房间各 1 条：都没到阈值，不触发
	w.handleMessage(eventBytes(t, "room-a", 1))
	w.handleMessage(eventBytes(t, "room-b", 2))
	select {
	case <-snap.done:
		t.Fatal("snapshot must not trigger below per-room threshold")
	case <-time.After(100 * time.Millisecond):
	}

	w.handleMessage(eventBytes(t, "room-a", 3))
	select {
	case <-snap.done:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot trigger timed out")
	}
}

// 可编程的消费组：按脚本返回错误，用来驱动 Run 的重试循环
type scriptedGroup struct {
	mu        sync.Mutex
	calls     int
	onConsume func(call int) error
}

func (g *scriptedGroup) Consume(ctx context.Context, topics []string, h sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	return g.onConsume(n)
}

func (g *scriptedGroup) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *scriptedGroup) Errors() <-chan error         { return nil }
func (g *scriptedGroup) Close() error                 { return nil }
func (g *scriptedGroup) Pause(map[string][]int32)     {}
func (g *scriptedGroup) Resume(map[string][]int32)    {}
func (g *scriptedGroup) PauseAll()                    {}
func (g *scriptedGroup) ResumeAll()                   {}

// 会话立刻出错视为同一次故障：重试耗尽后标记不健康并退出
func TestRun_ExhaustedRetriesTurnUnhealthy(t *testing.T) {
	group := &scriptedGroup{onConsume: func(int) error { return errors.New("broker gone") }}
	w := NewWatcher(group, "room-ops", newRecordingBroadcaster(), nil, WatcherOptions{
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	})

	w.Run(context.Background())

	if w.Healthy() {
		t.Fatal("watcher must report unhealthy after exhausting retries")
	}
	if got := group.callCount(); got != 3 {
		t.Fatalf("consume attempts = %d, want 3", got)
	}
}

// 健康运行过的会话再出错算新一轮故障，重试预算重置：
// 长期零星抖动不能累计杀掉订阅
func TestRun_HealthySessionResetsRetryBudget(t *testing.T) {
	now := time.Unix(0, 0)
	var clockMu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	group := &scriptedGroup{}
	group.onConsume = func(call int) error {
		// 每个会话都活得远长于 maxBackoff，然后才断
		clockMu.Lock()
		now = now.Add(time.Minute)
		clockMu.Unlock()
		if call >= 10 {
			cancel()
		}
		return errors.New("broker hiccup")
	}
	w := NewWatcher(group, "room-ops", newRecordingBroadcaster(), nil, WatcherOptions{
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	})
	w.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	w.Run(ctx)

	// 未重置的话第 3 次就会放弃；这里应一直重连到 ctx 取消
	if got := group.callCount(); got != 10 {
		t.Fatalf("consume attempts = %d, want 10", got)
	}
	if !w.Healthy() {
		t.Fatal("watcher must stay healthy across isolated hiccups")
	}
}

func TestHandleMessage_SkipsGarbage(t *testing.T) {
	out := newRecordingBroadcaster()
	w := NewWatcher(nil, "room-ops", out, nil, WatcherOptions{})

	w.handleMessage([]byte(`{{{`))
	w.handleMessage([]byte(`{"eventType":"SOMETHING_ELSE","roomId":"room-a"}`))
	w.handleMessage([]byte(fmt.Sprintf(`{"eventType":%q}`, collab.EventOpPersisted))) // 缺 roomId

	if len(out.byRoom) != 0 {
		t.Fatalf("garbage events must not be delivered: %v", out.byRoom)
	}
}
