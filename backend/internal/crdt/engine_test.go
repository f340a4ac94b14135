package crdt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
)

func mustDelta(t *testing.T, id string, value string, ts int64, replica string) []byte {
	t.Helper()
	d := Delta{Elements: []DeltaElement{{
		ID:      id,
		Element: Element{Value: json.RawMessage(value), Timestamp: ts, ReplicaID: replica},
	}}}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}
	return b
}

func TestLWWEngine_HigherTimestampWins(t *testing.T) {
	e := NewLWWEngine()
	s := NewState()

	s, err := e.Merge(s, mustDelta(t, "e1", `"old"`, 1, "u1"))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	s, err = e.Merge(s, mustDelta(t, "e1", `"new"`, 2, "u2"))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got := string(s["e1"].Value); got != `"new"` {
		t.Fatalf("value = %s, want %s", got, `"new"`)
	}

	// 旧时间戳不能回退状态
	s, err = e.Merge(s, mustDelta(t, "e1", `"stale"`, 1, "u3"))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got := string(s["e1"].Value); got != `"new"` {
		t.Fatalf("value after stale merge = %s, want %s", got, `"new"`)
	}
}

func TestLWWEngine_TieBreakByReplica(t *testing.T) {
	e := NewLWWEngine()

	a := NewState()
	a, _ = e.Merge(a, mustDelta(t, "e1", `"from-u1"`, 5, "u1"))
	a, _ = e.Merge(a, mustDelta(t, "e1", `"from-u2"`, 5, "u2"))

	b := NewState()
	b, _ = e.Merge(b, mustDelta(t, "e1", `"from-u2"`, 5, "u2"))
	b, _ = e.Merge(b, mustDelta(t, "e1", `"from-u1"`, 5, "u1"))

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("merge not commutative: %v vs %v", a, b)
	}
	if got := string(a["e1"].Value); got != `"from-u2"` {
		t.Fatalf("tie-break value = %s, want %s", got, `"from-u2"`)
	}
}

func TestLWWEngine_Idempotent(t *testing.T) {
	e := NewLWWEngine()
	s := NewState()
	d := mustDelta(t, "e1", `{"x":1}`, 3, "u1")

	s, _ = e.Merge(s, d)
	again, err := e.Merge(s, d)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !reflect.DeepEqual(s, again) {
		t.Fatalf("repeated merge changed state: %v vs %v", s, again)
	}
}

// 收敛性：同一批 delta 以存储顺序重放，两个独立空副本得到相同状态
func TestLWWEngine_ReplayConvergence(t *testing.T) {
	e := NewLWWEngine()
	var deltas [][]byte
	for i := 0; i < 20; i++ {
		deltas = append(deltas, mustDelta(t,
			fmt.Sprintf("e%d", i%4), fmt.Sprintf(`"v%d"`, i), int64(i), fmt.Sprintf("u%d", i%3)))
	}

	replica1 := NewState()
	replica2 := NewState()
	for _, d := range deltas {
		var err error
		if replica1, err = e.Merge(replica1, d); err != nil {
			t.Fatalf("replica1 merge: %v", err)
		}
	}
	for _, d := range deltas {
		var err error
		if replica2, err = e.Merge(replica2, d); err != nil {
			t.Fatalf("replica2 merge: %v", err)
		}
	}
	if !reflect.DeepEqual(replica1, replica2) {
		t.Fatalf("replicas diverged: %v vs %v", replica1, replica2)
	}
}

func TestLWWEngine_MalformedDelta(t *testing.T) {
	e := NewLWWEngine()
	s := NewState()
	s, _ = e.Merge(s, mustDelta(t, "e1", `"keep"`, 1, "u1"))

	for _, bad := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"elements":[]}`),
		[]byte(`{"elements":[{"value":1,"ts":9,"replica":"u9"}]}`), // 缺 id
	} {
		out, err := e.Merge(s, bad)
		if err == nil {
			t.Fatalf("Merge(%s) expected error", bad)
		}
		// 失败时状态必须原样返回
		if !reflect.DeepEqual(out, s) {
			t.Fatalf("state changed on rejected delta")
		}
	}
}
