package ol

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/kevinxiao27/canvas-sync/util"
)

// OpLog is the journal of every operation applied to one project, local or
// merged. It is owned by a single project session and is not safe for
// concurrent use.
type OpLog struct {
	projectID  string
	userID     string
	now        func() time.Time
	newID      func() string
	window     int64
	operations []Operation
	pending    []Operation
	applied    mapset.Set[string] // ids already in operations, or already resolved
	listeners  []*listenerEntry
}

type listenerEntry struct {
	fn Listener
}

type Option func(*OpLog)

func WithUserID(userID string) Option {
	return func(oplog *OpLog) {
		if userID != "" {
			oplog.userID = userID
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(oplog *OpLog) {
		oplog.now = now
	}
}

func WithIDSource(newID func() string) Option {
	return func(oplog *OpLog) {
		oplog.newID = newID
	}
}

func WithConflictWindow(window time.Duration) Option {
	return func(oplog *OpLog) {
		oplog.window = window.Milliseconds()
	}
}

// NewID returns a time-ordered id with a random suffix.
func NewID() string {
	return ulid.Make().String()
}

func NewOpLog(projectID string, opts ...Option) *OpLog {
	oplog := &OpLog{
		projectID:  projectID,
		userID:     LocalUser,
		now:        time.Now,
		newID:      NewID,
		window:     ConflictWindow.Milliseconds(),
		operations: []Operation{},
		pending:    []Operation{},
		applied:    mapset.NewThreadUnsafeSet[string](),
	}
	for _, opt := range opts {
		opt(oplog)
	}
	return oplog
}

func (oplog *OpLog) ProjectID() string { return oplog.projectID }
func (oplog *OpLog) UserID() string    { return oplog.userID }
func (oplog *OpLog) Len() int          { return len(oplog.operations) }

// Operations returns a copy of the history in application order.
func (oplog *OpLog) Operations() []Operation {
	return cloneOps(oplog.operations)
}

// Log records a local edit and queues it for sync.
func (oplog *OpLog) Log(p Payload) Operation {
	op := Operation{
		ID:     oplog.newID(),
		Op:     p.Kind(),
		Ts:     oplog.now().UnixMilli(),
		UserID: oplog.userID,
	}
	p.fill(&op)

	oplog.operations = append(oplog.operations, op)
	oplog.pending = append(oplog.pending, op)
	oplog.applied.Add(op.ID)

	oplog.emit(EventOperation, op.Clone())
	return op.Clone()
}

func (oplog *OpLog) AddNode(nodeID string, data Fields) Operation {
	return oplog.Log(NodeAdd{NodeID: nodeID, Data: data})
}

func (oplog *OpLog) UpdateNode(nodeID string, changes Fields) Operation {
	return oplog.Log(NodeUpdate{NodeID: nodeID, Changes: changes})
}

func (oplog *OpLog) DeleteNode(nodeID string) Operation {
	return oplog.Log(NodeDelete{NodeID: nodeID})
}

func (oplog *OpLog) MoveNode(nodeID string, x float64, y float64) Operation {
	return oplog.UpdateNode(nodeID, Fields{"x": x, "y": y})
}

func (oplog *OpLog) AddConnection(connectionID string, from string, to string, data Fields) Operation {
	return oplog.Log(ConnectionAdd{ConnectionID: connectionID, From: from, To: to, Data: data})
}

func (oplog *OpLog) DeleteConnection(connectionID string) Operation {
	return oplog.Log(ConnectionDelete{ConnectionID: connectionID})
}

// Merge absorbs a batch of remote operations and returns the ones the caller
// must apply to canvas state, in input order.
func (oplog *OpLog) Merge(remoteOps []Operation) []Operation {
	accepted := []Operation{}

	for _, remote := range remoteOps {
		if oplog.applied.Contains(remote.ID) { // already included
			glog.V(2).Infof("[ol]%s skip duplicate %s\n", oplog.projectID, remote.ID)
			continue
		}
		oplog.applied.Add(remote.ID)

		op := remote.Clone()
		if local, ok := oplog.findConflict(op); ok {
			resolved, keep := Resolve(local, op)
			if !keep {
				glog.V(1).Infof("[ol]%s discard %s %s on %s (local %s %s)\n", oplog.projectID, op.ID, op.Op, op.Entity(), local.ID, local.Op)
				continue
			}
			op = resolved
		}

		oplog.operations = append(oplog.operations, op)
		accepted = append(accepted, op.Clone())
	}

	glog.V(2).Infof("[ol]%s merge in=%d accepted=%d\n", oplog.projectID, len(remoteOps), len(accepted))
	return accepted
}

// MergeInto merges the full history of src into dest.
func MergeInto(dest *OpLog, src *OpLog) []Operation {
	return dest.Merge(src.operations)
}

// findConflict looks for the local operation a remote one collides with.
// A conflicting tombstone wins over any other candidate; otherwise the most
// recently applied candidate is used.
func (oplog *OpLog) findConflict(remote Operation) (Operation, bool) {
	found := -1
	for i := len(oplog.operations) - 1; i >= 0; i-- {
		local := oplog.operations[i]
		if !Conflicts(local, remote, oplog.window) {
			continue
		}
		if local.Op.IsDelete() {
			return local, true
		}
		if found < 0 {
			found = i
		}
	}
	if found < 0 {
		return Operation{}, false
	}
	return oplog.operations[found], true
}

// PendingOps returns the local operations not yet acknowledged by the sync
// boundary.
func (oplog *OpLog) PendingOps() []Operation {
	return cloneOps(oplog.pending)
}

func (oplog *OpLog) ClearPending() {
	oplog.pending = []Operation{}
}

func (oplog *OpLog) MarkSynced(opIDs []string) {
	synced := mapset.NewThreadUnsafeSet(opIDs...)
	oplog.pending = util.Filter(oplog.pending, func(op Operation) bool {
		return !synced.Contains(op.ID)
	})
}

// On registers a listener for local operations. The returned func removes it.
func (oplog *OpLog) On(fn Listener) func() {
	entry := &listenerEntry{fn: fn}
	oplog.listeners = append(oplog.listeners, entry)

	return func() {
		i := slices.Index(oplog.listeners, entry)
		if i < 0 {
			return
		}
		oplog.listeners = slices.Delete(slices.Clone(oplog.listeners), i, i+1)
	}
}

func (oplog *OpLog) emit(event Event, op Operation) {
	// a listener may unsubscribe while we iterate
	listeners := slices.Clone(oplog.listeners)
	for _, entry := range listeners {
		oplog.notify(entry, event, op)
	}
}

func (oplog *OpLog) notify(entry *listenerEntry, event Event, op Operation) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[ol]%s listener failed on %s %s: %v\n", oplog.projectID, event, op.ID, r)
		}
	}()
	entry.fn(event, op.Clone())
}

func (oplog *OpLog) Snapshot() Snapshot {
	return Snapshot{
		ProjectID:  oplog.projectID,
		Operations: cloneOps(oplog.operations),
	}
}

func (oplog *OpLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(oplog.Snapshot())
}

// Restore rebuilds a log from a snapshot. Every restored id counts as seen, so
// redelivered operations stay deduplicated after a reload. Pending is empty.
func Restore(snapshot Snapshot, opts ...Option) *OpLog {
	oplog := NewOpLog(snapshot.ProjectID, opts...)
	oplog.operations = cloneOps(snapshot.Operations)
	for _, op := range oplog.operations {
		oplog.applied.Add(op.ID)
	}
	return oplog
}

func FromJSON(data []byte, opts ...Option) (*OpLog, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode op log: %w", err)
	}
	return Restore(snapshot, opts...), nil
}

func cloneOps(ops []Operation) []Operation {
	return util.MapN(ops, func(op Operation) (Operation, error) {
		return op.Clone(), nil
	})
}
