package canvas

import (
	"fmt"
	"maps"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/sanity-io/litter"

	"github.com/kevinxiao27/canvas-sync/ol"
	"github.com/kevinxiao27/canvas-sync/util"
)

func New() *Canvas {
	return &Canvas{
		nodes:       map[string]*Node{},
		connections: map[string]*Connection{},
		edges:       map[string]mapset.Set[string]{},
	}
}

// Apply performs the mutation described by op. Operations that target an
// entity the canvas does not hold return an error and leave state untouched.
func (c *Canvas) Apply(op ol.Operation) error {
	switch op.Op {
	case ol.AddNode:
		fields := maps.Clone(op.Data)
		if fields == nil {
			fields = ol.Fields{}
		}
		c.nodes[op.NodeID] = &Node{ID: op.NodeID, Fields: fields}

	case ol.UpdateNode:
		node, ok := c.nodes[op.NodeID]
		if !ok {
			return fmt.Errorf("update %s: %w", op.NodeID, ErrUnknownNode)
		}
		maps.Copy(node.Fields, op.Changes)

	case ol.DeleteNode:
		if _, ok := c.nodes[op.NodeID]; !ok {
			return fmt.Errorf("delete %s: %w", op.NodeID, ErrUnknownNode)
		}
		delete(c.nodes, op.NodeID)
		if edges, ok := c.edges[op.NodeID]; ok {
			for _, connectionID := range edges.ToSlice() {
				c.removeConnection(connectionID)
			}
			delete(c.edges, op.NodeID)
		}

	case ol.AddConnection:
		if _, ok := c.connections[op.ConnectionID]; ok {
			c.removeConnection(op.ConnectionID)
		}
		c.connections[op.ConnectionID] = &Connection{
			ID:   op.ConnectionID,
			From: op.From,
			To:   op.To,
			Data: maps.Clone(op.Data),
		}
		c.index(op.From, op.ConnectionID)
		c.index(op.To, op.ConnectionID)

	case ol.DeleteConnection:
		if _, ok := c.connections[op.ConnectionID]; !ok {
			return fmt.Errorf("delete %s: %w", op.ConnectionID, ErrUnknownConnection)
		}
		c.removeConnection(op.ConnectionID)

	default:
		return fmt.Errorf("%s: %w", op.Op, ErrUnknownKind)
	}
	return nil
}

func (c *Canvas) index(nodeID string, connectionID string) {
	if nodeID == "" {
		return
	}
	edges, ok := c.edges[nodeID]
	if !ok {
		edges = mapset.NewThreadUnsafeSet[string]()
		c.edges[nodeID] = edges
	}
	edges.Add(connectionID)
}

func (c *Canvas) removeConnection(connectionID string) {
	connection, ok := c.connections[connectionID]
	if !ok {
		return
	}
	delete(c.connections, connectionID)
	for _, nodeID := range []string{connection.From, connection.To} {
		if edges, ok := c.edges[nodeID]; ok {
			edges.Remove(connectionID)
			if edges.Cardinality() == 0 {
				delete(c.edges, nodeID)
			}
		}
	}
}

// ApplyAll applies ops in order and returns how many were rejected.
func (c *Canvas) ApplyAll(ops []ol.Operation) int {
	return util.Reduce(ops, func(op ol.Operation, failed int) int {
		if err := c.Apply(op); err != nil {
			glog.V(1).Infof("[canvas]skip %s: %s\n", op.ID, err)
			return failed + 1
		}
		return failed
	}, 0)
}

// Checkout replays a history into a fresh canvas.
func Checkout(ops []ol.Operation) *Canvas {
	c := New()
	c.ApplyAll(ops)
	return c
}

func (c *Canvas) Node(nodeID string) (Node, bool) {
	node, ok := c.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return Node{ID: node.ID, Fields: maps.Clone(node.Fields)}, true
}

func (c *Canvas) Connection(connectionID string) (Connection, bool) {
	connection, ok := c.connections[connectionID]
	if !ok {
		return Connection{}, false
	}
	out := *connection
	out.Data = maps.Clone(connection.Data)
	return out, true
}

// NodeIDs returns node ids in sorted order.
func (c *Canvas) NodeIDs() []string {
	return util.SortedKeys(c.nodes)
}

func (c *Canvas) ConnectionIDs() []string {
	return util.SortedKeys(c.connections)
}

// ConnectionsOf returns the ids of connections touching nodeID, sorted.
func (c *Canvas) ConnectionsOf(nodeID string) []string {
	edges, ok := c.edges[nodeID]
	if !ok {
		return []string{}
	}
	ids := edges.ToSlice()
	slices.Sort(ids)
	return ids
}

func (c *Canvas) State() State {
	state := State{
		Nodes:       map[string]ol.Fields{},
		Connections: map[string]Connection{},
	}
	for id, node := range c.nodes {
		state.Nodes[id] = maps.Clone(node.Fields)
	}
	for id := range c.connections {
		state.Connections[id], _ = c.Connection(id)
	}
	return state
}

// Dump renders the state for debugging.
func (c *Canvas) Dump() string {
	return litter.Sdump(c.State())
}
