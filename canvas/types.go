package canvas

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/canvas-sync/ol"
)

var (
	ErrUnknownNode       = errors.New("unknown node")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrUnknownKind       = errors.New("unknown operation kind")
)

type Node struct {
	ID     string
	Fields ol.Fields
}

type Connection struct {
	ID   string
	From string
	To   string
	Data ol.Fields
}

// Canvas is the live state built by applying operations. Each session owns
// its own canvas.
type Canvas struct {
	nodes       map[string]*Node
	connections map[string]*Connection
	edges       map[string]mapset.Set[string] // node id => ids of connections touching it
}

// State is a comparable copy of a canvas.
type State struct {
	Nodes       map[string]ol.Fields
	Connections map[string]Connection
}
