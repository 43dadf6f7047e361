package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/kevinxiao27/canvas-sync/canvas"
	"github.com/kevinxiao27/canvas-sync/ol"
	"github.com/kevinxiao27/canvas-sync/store"
	"github.com/kevinxiao27/canvas-sync/transport"
	"github.com/kevinxiao27/canvas-sync/util"
)

// Sender is the outbound half of the sync boundary.
type Sender interface {
	Send(ctx context.Context, msg transport.Message) error
}

// Conn is a full sync boundary connection.
type Conn interface {
	Sender
	Run(ctx context.Context, handle func(transport.Message)) error
}

// Session owns the operation log and live canvas of one open project and
// serializes every access to them. Listeners run with the session locked and
// must not call back into it.
type Session struct {
	mu     sync.Mutex
	oplog  *ol.OpLog
	canvas *canvas.Canvas
}

func New(projectID string, opts ...ol.Option) *Session {
	return &Session{
		oplog:  ol.NewOpLog(projectID, opts...),
		canvas: canvas.New(),
	}
}

// Open restores a project from st, or starts an empty one when st has none.
func Open(ctx context.Context, st store.Store, projectID string, opts ...ol.Option) (*Session, error) {
	snapshot, err := st.Load(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return New(projectID, opts...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", projectID, err)
	}
	oplog := ol.Restore(snapshot, opts...)
	return &Session{
		oplog:  oplog,
		canvas: canvas.Checkout(oplog.Operations()),
	}, nil
}

func (s *Session) ProjectID() string {
	return s.oplog.ProjectID()
}

func (s *Session) Save(ctx context.Context, st store.Store) error {
	return st.Save(ctx, s.Snapshot())
}

func (s *Session) Snapshot() ol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oplog.Snapshot()
}

// Edit records a local edit and applies it to the canvas. The operation is
// logged even when the canvas rejects it.
func (s *Session) Edit(p ol.Payload) (ol.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := s.oplog.Log(p)
	return op, s.canvas.Apply(op)
}

func (s *Session) AddNode(nodeID string, data ol.Fields) (ol.Operation, error) {
	return s.Edit(ol.NodeAdd{NodeID: nodeID, Data: data})
}

func (s *Session) UpdateNode(nodeID string, changes ol.Fields) (ol.Operation, error) {
	return s.Edit(ol.NodeUpdate{NodeID: nodeID, Changes: changes})
}

func (s *Session) MoveNode(nodeID string, x float64, y float64) (ol.Operation, error) {
	return s.UpdateNode(nodeID, ol.Fields{"x": x, "y": y})
}

func (s *Session) DeleteNode(nodeID string) (ol.Operation, error) {
	return s.Edit(ol.NodeDelete{NodeID: nodeID})
}

func (s *Session) AddConnection(connectionID string, from string, to string, data ol.Fields) (ol.Operation, error) {
	return s.Edit(ol.ConnectionAdd{ConnectionID: connectionID, From: from, To: to, Data: data})
}

func (s *Session) DeleteConnection(connectionID string) (ol.Operation, error) {
	return s.Edit(ol.ConnectionDelete{ConnectionID: connectionID})
}

// Merge absorbs remote operations and applies the accepted ones.
func (s *Session) Merge(remoteOps []ol.Operation) []ol.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := s.oplog.Merge(remoteOps)
	if failed := s.canvas.ApplyAll(accepted); failed > 0 {
		glog.V(1).Infof("[session]%s %d merged ops did not apply\n", s.oplog.ProjectID(), failed)
	}
	return accepted
}

// On subscribes to local operations.
func (s *Session) On(listener ol.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	unsubscribe := s.oplog.On(listener)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		unsubscribe()
	}
}

func (s *Session) PendingOps() []ol.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oplog.PendingOps()
}

func (s *Session) MarkSynced(opIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oplog.MarkSynced(opIDs)
}

func (s *Session) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oplog.ClearPending()
}

func (s *Session) State() canvas.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvas.State()
}

// Flush sends every pending operation. Pending entries stay queued until the
// relay acknowledges them.
func (s *Session) Flush(ctx context.Context, sender Sender) (int, error) {
	pending := s.PendingOps()
	if len(pending) == 0 {
		return 0, nil
	}
	msg := transport.Message{
		Type:      transport.MessageOps,
		ProjectID: s.ProjectID(),
		Ops:       pending,
	}
	if err := sender.Send(ctx, msg); err != nil {
		return 0, fmt.Errorf("flush %s: %w", s.ProjectID(), err)
	}
	return len(pending), nil
}

// Handle applies one inbound message from the sync boundary.
func (s *Session) Handle(msg transport.Message) []ol.Operation {
	if msg.ProjectID != s.ProjectID() {
		glog.Infof("[session]%s drop message for %s\n", s.ProjectID(), msg.ProjectID)
		return nil
	}
	switch msg.Type {
	case transport.MessageOps, transport.MessageHistory:
		return s.Merge(validOps(s.ProjectID(), msg.Ops))
	case transport.MessageAck:
		s.MarkSynced(msg.IDs)
	default:
		glog.Infof("[session]%s unknown message %s\n", s.ProjectID(), msg.Type)
	}
	return nil
}

// validOps drops records of unknown kind or without an id so they never reach
// the log.
func validOps(projectID string, ops []ol.Operation) []ol.Operation {
	return util.Filter(ops, func(op ol.Operation) bool {
		if op.ID == "" || !op.Op.Valid() {
			glog.Infof("[session]%s drop invalid op %q kind %q\n", projectID, op.ID, op.Op)
			return false
		}
		return true
	})
}

// Sync runs conn until ctx is done or the connection fails, flushing pending
// operations every interval and on each local edit.
func (s *Session) Sync(ctx context.Context, conn Conn, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	edits := make(chan struct{}, 1)
	unsubscribe := s.On(func(ol.Event, ol.Operation) {
		select {
		case edits <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := s.Flush(ctx, conn); err != nil {
				glog.Infof("[session]%s\n", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-edits:
			}
		}
	}()

	return conn.Run(ctx, func(msg transport.Message) {
		s.Handle(msg)
	})
}
