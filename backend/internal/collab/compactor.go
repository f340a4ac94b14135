package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"syncServer/backend/internal/crdt"
)

const defaultCompactBatch = 500

// Compactor 周期性地把房间日志物化成快照，压低恢复时的重放成本。
// 只读不删：源操作永远保留，快照只是加速器，不是垃圾回收。
// 失败只记日志，压缩是尽力而为的后台任务，绝不影响在线协作链路。
type Compactor struct {
	oplog     OperationLog
	snapshots SnapshotStore
	engine    crdt.Engine
	batch     int
}

func NewCompactor(oplog OperationLog, snapshots SnapshotStore, engine crdt.Engine) *Compactor {
	return &Compactor{oplog: oplog, snapshots: snapshots, engine: engine, batch: defaultCompactBatch}
}

// CreateSnapshot 从上一快照的游标开始，按存储顺序合并之后的所有操作，
// 把合并状态 + 新游标写成新快照。
// 与同房间的并发追加相安无事：本次只固化调用时刻能读到的前缀，
// 晚到的操作留给下一轮。
func (c *Compactor) CreateSnapshot(ctx context.Context, roomID string) error {
	state := crdt.NewState()
	var cursor uint64

	prev, err := c.snapshots.LatestRoomSnapshot(ctx, roomID)
	if err != nil {
		return err
	}
	if prev != nil {
		cursor = prev.LastOpID
		if len(prev.State) > 0 {
			if err := json.Unmarshal(prev.State, &state); err != nil {
				return fmt.Errorf("snapshot state corrupt room=%s cursor=%d: %w", roomID, cursor, err)
			}
		}
	}

	merged := 0
	for {
		ops, err := c.oplog.ReadSince(ctx, roomID, cursor, c.batch)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			break
		}
		for _, o := range ops {
			next, err := c.engine.Merge(state, o.Data)
			if err != nil {
				// 畸形 delta 不该出现在日志里（提交时已合并过一次）。
				// 真遇上就跳过这条，压缩不能因单条数据卡死
				log.Printf("compactor merge skip room=%s op=%s err=%v", roomID, o.OperationID, err)
			} else {
				state = next
			}
			cursor = o.ID
			merged++
		}
	}
	if merged == 0 {
		return nil
	}

	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := c.snapshots.SaveRoomSnapshot(ctx, roomID, cursor, b); err != nil {
		return err
	}
	log.Printf("snapshot created room=%s cursor=%d merged=%d", roomID, cursor, merged)
	return nil
}
