package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/op"
)

// 广播出口，由 ws.Hub 实现
type Broadcaster interface {
	BroadcastOperation(roomID string, o op.Operation)
}

// 快照触发出口，由 collab.Compactor 实现
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, roomID string) error
}

type WatcherOptions struct {
	SnapshotEvery int
	MaxRetry      int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

const (
	DefaultSnapshotEvery = 100
	defaultWatchRetry    = 8
)

// Watcher 是进程级唯一的变更流订阅者：
// 把“操作已持久化”与“操作送达对端”解耦。
// 每个进程用独立的消费组订阅同一 topic，于是每个进程都能看到全部落库事件，
// 天然获得跨进程扇出；本进程只把事件发给自己托管的房间成员。
// 同房间事件来自同一分区，送达顺序即落库顺序；跨房间不保证也不需要。
type Watcher struct {
	group     sarama.ConsumerGroup
	topic     string
	out       Broadcaster
	compactor Snapshotter

	every int
	// 进程启动以来每房间观察到的操作数（近似计数，不要求跨重启存活）
	mu     sync.Mutex
	counts map[string]uint64

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	healthy atomic.Bool

	// 测试注入用
	now func() time.Time
}

func NewWatcher(group sarama.ConsumerGroup, topic string, out Broadcaster, compactor Snapshotter, opt WatcherOptions) *Watcher {
	if opt.SnapshotEvery <= 0 {
		opt.SnapshotEvery = DefaultSnapshotEvery
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = defaultWatchRetry
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 30 * time.Second
	}
	w := &Watcher{
		group:       group,
		topic:       topic,
		out:         out,
		compactor:   compactor,
		every:       opt.SnapshotEvery,
		counts:      make(map[string]uint64),
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		now:         time.Now,
	}
	w.healthy.Store(true)
	return w
}

// Healthy 供 /healthz 上报：订阅彻底死掉比静默降级可怕得多，
// 因为那会饿死所有房间的投递。
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// Run 阻塞消费直到 ctx 取消。
// 流断开允许丢事件（尽力而为，不是 exactly-once）：
// 需要强一致视图的客户端走 ReadSince 追平。
// 连续失败指数退避重连；重试耗尽后标记不健康并退出，交给运维层处置。
// 重试预算按单次故障计：会话健康运行过一段时间再出错，算新一轮故障，
// 不与几周前的抖动累计——否则零星 hiccup 攒够次数就能杀掉订阅。
func (w *Watcher) Run(ctx context.Context) {
	failures := 0
	backoff := w.baseBackoff
	for {
		started := w.now()
		err := w.group.Consume(ctx, []string{w.topic}, &consumerHandler{w: w})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// 正常 rebalance 返回，立即重新加入
			failures = 0
			backoff = w.baseBackoff
			continue
		}

		// 以 maxBackoff 为界：会话活过这个时长说明上次故障已恢复
		if w.now().Sub(started) > w.maxBackoff {
			failures = 0
			backoff = w.baseBackoff
		}
		failures++
		log.Printf("watch subscription error (attempt %d/%d): %v", failures, w.maxRetry, err)
		if failures >= w.maxRetry {
			w.healthy.Store(false)
			log.Printf("watch subscription lost after %d retries, giving up", failures)
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}

// handleMessage 处理一条观察到的落库事件。
// 解不开的消息跳过即可，变更流不能因单条脏数据卡死。
func (w *Watcher) handleMessage(value []byte) {
	var evt collab.RoomOpEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		log.Printf("watcher: drop undecodable event: %v", err)
		return
	}
	if evt.EventType != collab.EventOpPersisted || evt.RoomID == "" {
		return
	}

	// 先投递再计数：快照晚一拍没关系，投递顺序不能乱
	w.out.BroadcastOperation(evt.RoomID, evt.Op)

	w.mu.Lock()
	w.counts[evt.RoomID]++
	trigger := w.counts[evt.RoomID]%uint64(w.every) == 0
	w.mu.Unlock()

	if trigger && w.compactor != nil {
		// 后台压缩，失败只记日志——压缩永远不是在线链路的正确性依赖
		go func(roomID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := w.compactor.CreateSnapshot(ctx, roomID); err != nil {
				log.Printf("snapshot failed room=%s err=%v", roomID, err)
			}
		}(evt.RoomID)
	}
}

type consumerHandler struct {
	w *Watcher
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.w.handleMessage(msg.Value)
		sess.MarkMessage(msg, "")
	}
	return nil
}
