package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Merge 失败表示 delta 畸形，对应操作应被丢弃（只影响提交方，不影响房间）
var ErrMalformedDelta = errors.New("MERGE_REJECTED")

// Engine 是同步核心消费的合并引擎契约。
// 假定实现满足 CRDT 收敛性质：交换律、结合律、幂等（对 delta 应用而言）。
// 核心自身不重复实现这些保证，只负责按房间内的接受顺序逐条调用 Merge。
type Engine interface {
	Merge(state State, delta []byte) (State, error)
}

// State 是一个房间的副本状态：elementID -> 寄存器。
// 对核心而言内容不重要，能序列化进快照即可。
type State map[string]Element

// Element 是 LWW 寄存器：较大的时间戳胜出。
// 时间戳相等时按 ReplicaID 字典序决胜，保证所有副本收敛到同一结果。
type Element struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp int64           `json:"ts"`
	ReplicaID string          `json:"replica"`
	// 删除用墓碑表示，不真正移除键
	Deleted bool `json:"deleted,omitempty"`
}

func NewState() State {
	return make(State)
}

func (s State) Clone() State {
	out := make(State, len(s))
	for id, el := range s {
		out[id] = el
	}
	return out
}

// delta-state 载荷：一批元素的增量更新
type Delta struct {
	Elements []DeltaElement `json:"elements"`
}

type DeltaElement struct {
	ID string `json:"id"`
	Element
}

// LWWEngine 是内置的 delta-state 合并实现。
// 外部引擎可以替换它，只要满足 Engine 契约。
type LWWEngine struct{}

func NewLWWEngine() LWWEngine { return LWWEngine{} }

func (LWWEngine) Merge(state State, delta []byte) (State, error) {
	var d Delta
	if err := json.Unmarshal(delta, &d); err != nil {
		return state, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if len(d.Elements) == 0 {
		return state, fmt.Errorf("%w: empty delta", ErrMalformedDelta)
	}
	merged := state.Clone()
	for _, el := range d.Elements {
		if el.ID == "" {
			return state, fmt.Errorf("%w: element without id", ErrMalformedDelta)
		}
		cur, ok := merged[el.ID]
		if !ok || wins(el.Element, cur) {
			merged[el.ID] = el.Element
		}
	}
	return merged, nil
}

// wins 判断 incoming 是否覆盖 current（最后写入胜出）
func wins(incoming, current Element) bool {
	if incoming.Timestamp != current.Timestamp {
		return incoming.Timestamp > current.Timestamp
	}
	return incoming.ReplicaID > current.ReplicaID
}
