package transport

import (
	"github.com/kevinxiao27/canvas-sync/ol"
)

type MessageType string

const (
	// MessageOps carries operations authored by the sender.
	MessageOps MessageType = "ops"
	// MessageAck names operation ids the relay has stored.
	MessageAck MessageType = "ack"
	// MessageHistory carries a project's stored operations to a new peer.
	MessageHistory MessageType = "history"
)

type Message struct {
	Type      MessageType    `json:"type"`
	ProjectID string         `json:"projectId"`
	Ops       []ol.Operation `json:"ops,omitempty"`
	IDs       []string       `json:"ids,omitempty"`
}

func OpIDs(ops []ol.Operation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids
}
