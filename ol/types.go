package ol

import (
	"encoding/json"
	"maps"
	"time"
)

type Kind string

const (
	AddNode          Kind = "ADD_NODE"
	UpdateNode       Kind = "UPDATE_NODE"
	DeleteNode       Kind = "DELETE_NODE"
	AddConnection    Kind = "ADD_CONNECTION"
	DeleteConnection Kind = "DELETE_CONNECTION"
)

func (k Kind) IsDelete() bool {
	return k == DeleteNode || k == DeleteConnection
}

func (k Kind) IsAdd() bool {
	return k == AddNode || k == AddConnection
}

func (k Kind) Valid() bool {
	switch k {
	case AddNode, UpdateNode, DeleteNode, AddConnection, DeleteConnection:
		return true
	}
	return false
}

// LocalUser is the author recorded when no identity is configured.
const LocalUser = "local"

// ConflictWindow is how close two same-entity timestamps must be for the
// operations to count as concurrent.
const ConflictWindow = 5000 * time.Millisecond

type Fields map[string]any

// Operation is one canvas mutation as it travels between peers.
type Operation struct {
	ID           string `json:"id"`
	Op           Kind   `json:"op"`
	Ts           int64  `json:"ts"` // ms since epoch, author's wall clock
	UserID       string `json:"userId"`
	NodeID       string `json:"nodeId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Data         Fields `json:"data,omitempty"`    // ADD_*
	Changes      Fields `json:"changes,omitempty"` // UPDATE_NODE
	From         string `json:"from,omitempty"`    // ADD_CONNECTION
	To           string `json:"to,omitempty"`
}

// Clone copies the payload maps so the copy can be handed out without
// exposing the log's own record.
func (op Operation) Clone() Operation {
	op.Data = cloneFields(op.Data)
	op.Changes = cloneFields(op.Changes)
	return op
}

// cloneFields deep copies a payload in its JSON-decoded form (numbers become
// float64, nested values become maps and slices) and drops empty maps, so a
// record survives a JSON round trip unchanged.
func cloneFields(fields Fields) Fields {
	if len(fields) == 0 {
		return nil
	}
	body, err := json.Marshal(fields)
	if err != nil {
		// not representable on the wire; keep the values as given
		return maps.Clone(fields)
	}
	var out Fields
	if err := json.Unmarshal(body, &out); err != nil {
		return maps.Clone(fields)
	}
	return out
}

// Entity returns the id of the canvas object the operation targets.
func (op Operation) Entity() string {
	if op.NodeID != "" {
		return op.NodeID
	}
	return op.ConnectionID
}

// Payload recovers the typed body of a wire record.
func (op Operation) Payload() Payload {
	switch op.Op {
	case AddNode:
		return NodeAdd{NodeID: op.NodeID, Data: op.Data}
	case UpdateNode:
		return NodeUpdate{NodeID: op.NodeID, Changes: op.Changes}
	case DeleteNode:
		return NodeDelete{NodeID: op.NodeID}
	case AddConnection:
		return ConnectionAdd{ConnectionID: op.ConnectionID, From: op.From, To: op.To, Data: op.Data}
	case DeleteConnection:
		return ConnectionDelete{ConnectionID: op.ConnectionID}
	}
	return nil
}

// Payload ties each kind to its body. Only the types below implement it.
type Payload interface {
	Kind() Kind
	fill(op *Operation)
}

type NodeAdd struct {
	NodeID string
	Data   Fields
}

type NodeUpdate struct {
	NodeID  string
	Changes Fields
}

type NodeDelete struct {
	NodeID string
}

type ConnectionAdd struct {
	ConnectionID string
	From         string
	To           string
	Data         Fields
}

type ConnectionDelete struct {
	ConnectionID string
}

func (NodeAdd) Kind() Kind          { return AddNode }
func (NodeUpdate) Kind() Kind       { return UpdateNode }
func (NodeDelete) Kind() Kind       { return DeleteNode }
func (ConnectionAdd) Kind() Kind    { return AddConnection }
func (ConnectionDelete) Kind() Kind { return DeleteConnection }

func (p NodeAdd) fill(op *Operation) {
	op.NodeID = p.NodeID
	op.Data = cloneFields(p.Data)
}

func (p NodeUpdate) fill(op *Operation) {
	op.NodeID = p.NodeID
	op.Changes = cloneFields(p.Changes)
}

func (p NodeDelete) fill(op *Operation) {
	op.NodeID = p.NodeID
}

func (p ConnectionAdd) fill(op *Operation) {
	op.ConnectionID = p.ConnectionID
	op.From = p.From
	op.To = p.To
	op.Data = cloneFields(p.Data)
}

func (p ConnectionDelete) fill(op *Operation) {
	op.ConnectionID = p.ConnectionID
}

type Event string

const EventOperation Event = "operation"

type Listener func(event Event, op Operation)

// Snapshot is the persisted shape of a log.
type Snapshot struct {
	ProjectID  string      `json:"projectId"`
	Operations []Operation `json:"operations"`
}
