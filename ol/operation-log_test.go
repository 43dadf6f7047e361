package ol

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock returns a clock that reads ts (ms) and can be moved by the test.
func fixedClock(ts *int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(*ts)
	}
}

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestLog(user string, ts *int64) *OpLog {
	return NewOpLog("p1", WithUserID(user), WithClock(fixedClock(ts)), WithIDSource(seqIDs(user)))
}

func TestLogAppendsToHistoryAndPending(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	op := oplog.AddNode("n1", Fields{"x": 0.0, "y": 0.0})

	assert.Equal(t, AddNode, op.Op)
	assert.Equal(t, "n1", op.NodeID)
	assert.Equal(t, int64(1000), op.Ts)
	assert.Equal(t, "alice", op.UserID)
	assert.Equal(t, "alice-1", op.ID)
	assert.Equal(t, []Operation{op}, oplog.Operations())
	assert.Equal(t, []Operation{op}, oplog.PendingOps())
}

func TestDefaultUserIsLocal(t *testing.T) {
	oplog := NewOpLog("p1")
	op := oplog.DeleteNode("n1")
	assert.Equal(t, LocalUser, op.UserID)
	assert.NotEmpty(t, op.ID)
	assert.NotEqual(t, op.ID, oplog.DeleteNode("n1").ID)
}

func TestWrappersBuildPayloads(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	move := oplog.MoveNode("n1", 10, 20)
	assert.Equal(t, UpdateNode, move.Op)
	assert.Equal(t, Fields{"x": 10.0, "y": 20.0}, move.Changes)

	conn := oplog.AddConnection("c1", "n1", "n2", Fields{"label": "edge"})
	assert.Equal(t, AddConnection, conn.Op)
	assert.Equal(t, "c1", conn.ConnectionID)
	assert.Equal(t, "n1", conn.From)
	assert.Equal(t, "n2", conn.To)
	assert.Equal(t, ConnectionAdd{ConnectionID: "c1", From: "n1", To: "n2", Data: Fields{"label": "edge"}}, conn.Payload())

	del := oplog.DeleteConnection("c1")
	assert.Equal(t, DeleteConnection, del.Op)
	assert.Nil(t, del.Data)
	assert.Nil(t, del.Changes)
}

func TestLoggedOperationIsNotAliased(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	changes := Fields{"x": 1.0}
	op := oplog.UpdateNode("n1", changes)
	changes["x"] = 99.0
	op.Changes["x"] = 42.0

	assert.Equal(t, Fields{"x": 1.0}, oplog.Operations()[0].Changes)
}

func TestPendingBookkeeping(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	a := oplog.AddNode("n1", nil)
	b := oplog.AddNode("n2", nil)
	c := oplog.AddNode("n3", nil)

	oplog.MarkSynced([]string{b.ID, "unknown"})
	assert.Equal(t, []Operation{a, c}, oplog.PendingOps())

	// snapshot is a copy
	pending := oplog.PendingOps()
	pending[0].NodeID = "changed"
	assert.Equal(t, "n1", oplog.PendingOps()[0].NodeID)

	oplog.ClearPending()
	assert.Empty(t, oplog.PendingOps())
	assert.Equal(t, 3, oplog.Len())
}

func TestMergedOperationsAreNotPending(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	accepted := oplog.Merge([]Operation{{ID: "r1", Op: AddNode, Ts: 900, UserID: "bob", NodeID: "n9"}})
	require.Len(t, accepted, 1)
	assert.Empty(t, oplog.PendingOps())
	assert.Equal(t, 1, oplog.Len())
}

func TestListeners(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	var seen []string
	oplog.On(func(event Event, op Operation) {
		panic("boom")
	})
	unsubscribe := oplog.On(func(event Event, op Operation) {
		assert.Equal(t, EventOperation, event)
		seen = append(seen, op.ID)
	})

	a := oplog.AddNode("n1", nil)
	assert.Equal(t, []string{a.ID}, seen)
	assert.Equal(t, 1, oplog.Len())
	assert.Len(t, oplog.PendingOps(), 1)

	// merges do not notify
	oplog.Merge([]Operation{{ID: "r1", Op: AddNode, Ts: 900, UserID: "bob", NodeID: "n9"}})
	assert.Equal(t, []string{a.ID}, seen)

	unsubscribe()
	unsubscribe()
	oplog.AddNode("n2", nil)
	assert.Equal(t, []string{a.ID}, seen)
}

func TestListenerMayUnsubscribeDuringDispatch(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	calls := 0
	var unsubscribe func()
	unsubscribe = oplog.On(func(event Event, op Operation) {
		calls++
		unsubscribe()
	})
	other := 0
	oplog.On(func(event Event, op Operation) {
		other++
	})

	oplog.AddNode("n1", nil)
	oplog.AddNode("n2", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other)
}

func TestMergeIsIdempotent(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)
	oplog.AddNode("n1", Fields{"x": 0.0})
	oplog.UpdateNode("n1", Fields{"x": 5.0})

	batch := []Operation{
		{ID: "r1", Op: UpdateNode, Ts: 1500, UserID: "bob", NodeID: "n1", Changes: Fields{"x": 7.0}},
		{ID: "r2", Op: AddNode, Ts: 1600, UserID: "bob", NodeID: "n2", Data: Fields{"x": 1.0}},
		{ID: "r3", Op: UpdateNode, Ts: 900, UserID: "carol", NodeID: "n1", Changes: Fields{"y": 3.0}},
		{ID: "r4", Op: DeleteNode, Ts: 1700, UserID: "carol", NodeID: "n2"},
	}

	first := oplog.Merge(batch)
	assert.NotEmpty(t, first)
	length := oplog.Len()

	assert.Empty(t, oplog.Merge(batch))
	assert.Equal(t, length, oplog.Len())
}

func TestMergeSkipsDuplicatesWithinBatch(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	op := Operation{ID: "r1", Op: AddNode, Ts: 900, UserID: "bob", NodeID: "n1"}
	accepted := oplog.Merge([]Operation{op, op})
	assert.Equal(t, []Operation{op}, accepted)
}

func TestMergeIgnoresEchoOfLocalOperations(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)

	op := oplog.AddNode("n1", nil)
	assert.Empty(t, oplog.Merge([]Operation{op}))
	assert.Equal(t, 1, oplog.Len())
}

func TestDeletePrecedence(t *testing.T) {
	ts := int64(100)
	oplog := newTestLog("alice", &ts)
	oplog.UpdateNode("N", Fields{"x": 1.0})

	del := Operation{ID: "r1", Op: DeleteNode, Ts: 101, UserID: "bob", NodeID: "N"}
	assert.Equal(t, []Operation{del}, oplog.Merge([]Operation{del}))

	late := Operation{ID: "r2", Op: UpdateNode, Ts: 102, UserID: "carol", NodeID: "N", Changes: Fields{"x": 2.0}}
	assert.Empty(t, oplog.Merge([]Operation{late}))
	assert.Equal(t, 2, oplog.Len())
}

func TestLocalDeleteDiscardsRemoteAdd(t *testing.T) {
	ts := int64(100)
	oplog := newTestLog("alice", &ts)
	oplog.DeleteConnection("c1")

	add := Operation{ID: "r1", Op: AddConnection, Ts: 150, UserID: "bob", ConnectionID: "c1", From: "a", To: "b"}
	assert.Empty(t, oplog.Merge([]Operation{add}))
}

func TestFieldLevelLastWriterWins(t *testing.T) {
	ts := int64(100)
	oplog := newTestLog("alice", &ts)
	oplog.UpdateNode("N", Fields{"x": 1.0, "y": 1.0})

	remote := Operation{ID: "r1", Op: UpdateNode, Ts: 105, UserID: "bob", NodeID: "N", Changes: Fields{"x": 2.0}}
	accepted := oplog.Merge([]Operation{remote})

	require.Len(t, accepted, 1)
	assert.Equal(t, "r1", accepted[0].ID)
	assert.Equal(t, "bob", accepted[0].UserID)
	assert.Equal(t, UpdateNode, accepted[0].Op)
	assert.Equal(t, Fields{"x": 2.0, "y": 1.0}, accepted[0].Changes)
	assert.Equal(t, accepted[0], oplog.Operations()[1])
}

func TestFieldLevelOlderRemoteKeepsLocalValues(t *testing.T) {
	ts := int64(200)
	oplog := newTestLog("alice", &ts)
	oplog.UpdateNode("N", Fields{"x": 1.0, "y": 1.0})

	remote := Operation{ID: "r1", Op: UpdateNode, Ts: 150, UserID: "bob", NodeID: "N", Changes: Fields{"x": 2.0}}
	accepted := oplog.Merge([]Operation{remote})

	require.Len(t, accepted, 1)
	assert.Equal(t, Fields{"x": 1.0, "y": 1.0}, accepted[0].Changes)
}

func TestNonConflictPassthrough(t *testing.T) {
	ts := int64(10_000)
	oplog := newTestLog("alice", &ts)
	oplog.UpdateNode("N", Fields{"x": 1.0})

	other := Operation{ID: "r1", Op: UpdateNode, Ts: 10_001, UserID: "bob", NodeID: "M", Changes: Fields{"x": 2.0}}
	old := Operation{ID: "r2", Op: UpdateNode, Ts: 4_999, UserID: "bob", NodeID: "N", Changes: Fields{"z": 3.0}}
	later := Operation{ID: "r3", Op: UpdateNode, Ts: 15_001, UserID: "bob", NodeID: "N", Changes: Fields{"w": 4.0}}

	// none conflict, so all are accepted unchanged
	assert.Equal(t, []Operation{other, old, later}, oplog.Merge([]Operation{other, old, later}))
}

func TestSameUserNeverConflicts(t *testing.T) {
	ts := int64(100)
	oplog := newTestLog("alice", &ts)
	oplog.DeleteNode("N")

	own := Operation{ID: "r1", Op: UpdateNode, Ts: 101, UserID: "alice", NodeID: "N", Changes: Fields{"x": 1.0}}
	assert.Equal(t, []Operation{own}, oplog.Merge([]Operation{own}))
}

func TestAddUpdateFallsBackToLastWriterWins(t *testing.T) {
	ts := int64(50_000)
	oplog := NewOpLog("p1", WithClock(fixedClock(&ts)))
	add := oplog.AddNode("n1", Fields{"x": 0.0, "y": 0.0})
	assert.Len(t, oplog.PendingOps(), 1)

	later := Operation{ID: "r1", Op: UpdateNode, Ts: add.Ts + 10, UserID: "peer2", NodeID: "n1", Changes: Fields{"x": 50.0}}
	assert.Equal(t, []Operation{later}, oplog.Merge([]Operation{later}))

	earlier := Operation{ID: "r0", Op: UpdateNode, Ts: add.Ts - 10, UserID: "peer3", NodeID: "n1", Changes: Fields{"y": 50.0}}
	oplog2 := NewOpLog("p1", WithClock(fixedClock(&ts)))
	oplog2.AddNode("n1", Fields{"x": 0.0, "y": 0.0})
	assert.Empty(t, oplog2.Merge([]Operation{earlier}))
}

func TestFallbackTieGoesToGreaterID(t *testing.T) {
	ts := int64(7_000)
	oplog := newTestLog("alice", &ts)
	add := oplog.AddNode("n1", Fields{"x": 0.0})

	// same timestamp: the remote wins only when its id sorts after the local one
	after := Operation{ID: "zed-1", Op: UpdateNode, Ts: add.Ts, UserID: "bob", NodeID: "n1", Changes: Fields{"x": 1.0}}
	assert.Equal(t, []Operation{after}, oplog.Merge([]Operation{after}))

	other := newTestLog("alice", &ts)
	other.AddNode("n1", Fields{"x": 0.0})
	before := Operation{ID: "abe-1", Op: UpdateNode, Ts: add.Ts, UserID: "bob", NodeID: "n1", Changes: Fields{"x": 2.0}}
	assert.Empty(t, other.Merge([]Operation{before}))
	assert.Len(t, other.Operations(), 1)
}

func TestConflictWindowIsInclusive(t *testing.T) {
	local := Operation{ID: "l1", Op: DeleteNode, Ts: 10_000, UserID: "alice", NodeID: "N"}
	for _, tc := range []struct {
		ts       int64
		conflict bool
	}{
		{ts: 15_000, conflict: true},
		{ts: 5_000, conflict: true},
		{ts: 15_001, conflict: false},
		{ts: 4_999, conflict: false},
	} {
		t.Run(fmt.Sprint(tc.ts), func(t *testing.T) {
			remote := Operation{ID: "r1", Op: UpdateNode, Ts: tc.ts, UserID: "bob", NodeID: "N", Changes: Fields{"x": 1.0}}
			assert.Equal(t, tc.conflict, Conflicts(local, remote, ConflictWindow.Milliseconds()))

			ts := local.Ts
			oplog := newTestLog("alice", &ts)
			oplog.DeleteNode("N")
			accepted := oplog.Merge([]Operation{remote})
			if tc.conflict {
				// the local tombstone discards the concurrent update
				assert.Empty(t, accepted)
			} else {
				assert.Equal(t, []Operation{remote}, accepted)
			}
		})
	}
}

func TestWithConflictWindow(t *testing.T) {
	ts := int64(10_000)
	oplog := NewOpLog("p1", WithUserID("alice"), WithClock(fixedClock(&ts)), WithConflictWindow(time.Second))
	oplog.DeleteNode("N")

	near := Operation{ID: "r1", Op: UpdateNode, Ts: 11_000, UserID: "bob", NodeID: "N", Changes: Fields{"x": 1.0}}
	far := Operation{ID: "r2", Op: UpdateNode, Ts: 11_001, UserID: "bob", NodeID: "N", Changes: Fields{"y": 1.0}}
	assert.Equal(t, []Operation{far}, oplog.Merge([]Operation{near, far}))
}

func TestRoundTripNormalizesNumbers(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)
	add := oplog.AddNode("n1", Fields{"x": 1, "y": int64(2), "w": float32(0.5), "meta": map[string]any{"z": uint8(3)}})
	oplog.UpdateNode("n1", Fields{"x": 4})

	// logged payloads already carry the decoded JSON form
	assert.Equal(t, Fields{"x": 1.0, "y": 2.0, "w": 0.5, "meta": map[string]any{"z": 3.0}}, add.Data)

	data, err := json.Marshal(oplog)
	require.NoError(t, err)
	restored, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, oplog.Operations(), restored.Operations())

	remote := Operation{ID: "r1", Op: UpdateNode, Ts: 9_000, UserID: "bob", NodeID: "n1", Changes: Fields{"x": 7}}
	accepted := restored.Merge([]Operation{remote})
	require.Len(t, accepted, 1)
	assert.Equal(t, Fields{"x": 7.0}, accepted[0].Changes)
}

func TestRoundTrip(t *testing.T) {
	ts := int64(1000)
	oplog := newTestLog("alice", &ts)
	oplog.AddNode("n1", Fields{"x": 0.0, "label": "hello", "tags": []any{"a", "b"}})
	oplog.AddConnection("c1", "n1", "n2", nil)
	oplog.Merge([]Operation{
		{ID: "r1", Op: UpdateNode, Ts: 1200, UserID: "bob", NodeID: "n1", Changes: Fields{"x": 3.0}},
		{ID: "r2", Op: DeleteConnection, Ts: 1300, UserID: "bob", ConnectionID: "c1"},
	})

	data, err := json.Marshal(oplog)
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "p1", restored.ProjectID())
	assert.Equal(t, oplog.Operations(), restored.Operations())
	assert.Empty(t, restored.PendingOps())

	again, err := json.Marshal(restored)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
	assert.Equal(t, data, again)

	assert.Empty(t, restored.Merge([]Operation{{ID: "r1", Op: UpdateNode, Ts: 1200, UserID: "bob", NodeID: "n1", Changes: Fields{"x": 3.0}}}))
}

func TestWireShape(t *testing.T) {
	op := Operation{ID: "r1", Op: AddConnection, Ts: 5, UserID: "bob", ConnectionID: "c1", From: "a", To: "b"}
	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","op":"ADD_CONNECTION","ts":5,"userId":"bob","connectionId":"c1","from":"a","to":"b"}`, string(data))

	oplog := NewOpLog("p9")
	data, err = json.Marshal(oplog)
	require.NoError(t, err)
	assert.JSONEq(t, `{"projectId":"p9","operations":[]}`, string(data))
}

func TestFromJSONRejectsGarbage(t *testing.T) {
	_, err := FromJSON([]byte("{"))
	assert.Error(t, err)
}

func TestMergeInto(t *testing.T) {
	ts := int64(1000)
	a := newTestLog("alice", &ts)
	b := newTestLog("bob", &ts)
	a.AddNode("n1", nil)
	b.AddNode("n2", nil)

	assert.Len(t, MergeInto(a, b), 1)
	assert.Len(t, MergeInto(b, a), 1)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())
	assert.Empty(t, MergeInto(a, b))
}
