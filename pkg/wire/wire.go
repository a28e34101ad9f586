// Package wire implements the line-oriented JSON protocol spoken between the
// coordinator, workers, and compute clients. Every message is a single JSON
// object up to MaxMessageSize bytes, newline-framed: one object per line, one
// line per socket read.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/blockmesh/blockmesh/pkg/types"
)

// MaxMessageSize is the largest JSON object the protocol allows on the wire.
const MaxMessageSize = 8 * 1024

// Type identifies the kind of message carried by an envelope.
type Type string

const (
	TypeRegister        Type = "register"
	TypeHeartbeat       Type = "heartbeat"
	TypeCompute         Type = "compute"
	TypeTaskComplete    Type = "task_complete"
	TypeNodeFree        Type = "node_free"
	TypeTask            Type = "task"
	TypeRelease         Type = "release"
	TypePromoteToLeader Type = "promote_to_leader"

	// TypeApply and TypeStatusQuery are blockctl's admin-protocol additions,
	// not part of the worker wire format: they let an operator seed a
	// dataset's block list and poll its progress without a real splitter.
	TypeApply       Type = "apply"
	TypeStatusQuery Type = "status_query"
)

// Status values a coordinator reply's Status field may hold.
const (
	StatusRegistered      = "registered"
	StatusAlive           = "alive"
	StatusUnknownNode     = "unknown_node"
	StatusOK              = "ok"
	StatusError           = "error"
	StatusTaskCompleteAck = "task_complete_ack"
	StatusTaskFailedAck   = "task_failed_ack"
	StatusBadRequest      = "bad_request"
	StatusApplied         = "applied"
)

// Message is the union of every field used by any message type in the
// protocol; each type only populates the fields relevant to it (see the
// field table in the protocol's wire documentation).
type Message struct {
	Type Type `json:"type"`

	// register, heartbeat
	ID string `json:"id,omitempty"`

	// heartbeat
	CurrentTask      string                 `json:"current_task,omitempty"`
	ProcessingStatus types.ProcessingStatus `json:"processing_status,omitempty"`

	// compute, task, node_free
	File string `json:"file,omitempty"`

	// task_complete, node_free
	NodeID string `json:"node_id,omitempty"`

	// task_complete, task, release
	BlockID string     `json:"block_id,omitempty"`
	Role    types.Role `json:"role,omitempty"`
	Success bool       `json:"success,omitempty"`

	// task_complete
	Timestamp int64 `json:"timestamp,omitempty"`

	// promote_to_leader
	FileBase string `json:"file_base,omitempty"`

	// apply
	Dataset string        `json:"dataset,omitempty"`
	Blocks  []types.Block `json:"blocks,omitempty"`
}

// Reply is the JSON object the coordinator sends back on every request.
type Reply struct {
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	File   string        `json:"file,omitempty"`
	Blocks []types.Block `json:"blocks,omitempty"`
}

// Encode writes msg as a single JSON line to w.
func Encode(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("wire: message of %d bytes exceeds %d byte limit", len(data), MaxMessageSize)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// NewScanner returns a bufio.Scanner configured to read one JSON object per
// line, rejecting any line over MaxMessageSize.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, MaxMessageSize), MaxMessageSize)
	return scanner
}

// Decode parses a single line as a Message.
func Decode(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	return msg, nil
}

// DatasetFromBlockID extracts the file_base from a block_id formatted
// "{file_base}_block{N}.{ext}".
func DatasetFromBlockID(blockID string) string {
	idx := indexOfBlockMarker(blockID)
	if idx < 0 {
		return blockID
	}
	return blockID[:idx]
}

func indexOfBlockMarker(blockID string) int {
	const marker = "_block"
	for i := 0; i+len(marker) <= len(blockID); i++ {
		if blockID[i:i+len(marker)] == marker {
			return i
		}
	}
	return -1
}
