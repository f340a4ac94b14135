package op

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// VectorClock 表示一个版本向量。
// 映射 replicaID -> 单调递增计数器
type VectorClock map[string]uint64

func NewVectorClock() VectorClock {
	return make(VectorClock)
}

func (vc VectorClock) Increment(replicaID string) {
	vc[replicaID]++
}

// Merge 逐分量取最大值
func (vc VectorClock) Merge(other VectorClock) {
	for id, counter := range other {
		if counter > vc[id] {
			vc[id] = counter
		}
	}
}

// Descends 判断 vc 是否覆盖 other（vc >= other）。
// 偏序下存在并发，所以只提供 "Descends" (>=)，不提供全序比较。
func (vc VectorClock) Descends(other VectorClock) bool {
	for id, otherCtr := range other {
		if vc[id] < otherCtr {
			return false
		}
	}
	return true
}

func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, counter := range vc {
		out[id] = counter
	}
	return out
}

// 落库时存成 JSON 列
func (vc VectorClock) Value() (driver.Value, error) {
	if vc == nil {
		return nil, nil
	}
	return json.Marshal(vc)
}

func (vc *VectorClock) Scan(src any) error {
	if src == nil {
		*vc = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("vector clock: unsupported column type")
	}
	return json.Unmarshal(b, vc)
}
