// Package client implements a small TCP/JSON client for talking to a
// coordinator from blockctl: compute requests, dataset manifest apply, and
// status polling. It speaks the same newline-delimited pkg/wire protocol a
// worker's control connection speaks, just one request per connection.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/blockmesh/blockmesh/pkg/wire"
)

// Client is a short-lived connection to a coordinator.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient returns a Client targeting the coordinator at addr
// ("host:port").
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: 10 * time.Second}
}

// Compute asks the coordinator to assign every pending block of dataset.
func (c *Client) Compute(dataset string) (wire.Reply, error) {
	return c.roundTrip(wire.Message{Type: wire.TypeCompute, File: dataset})
}

// Apply seeds a dataset's block list on the coordinator.
func (c *Client) Apply(dataset string, blocks []types.Block) (wire.Reply, error) {
	return c.roundTrip(wire.Message{Type: wire.TypeApply, Dataset: dataset, Blocks: blocks})
}

// Status polls a dataset's current block placements.
func (c *Client) Status(dataset string) (wire.Reply, error) {
	return c.roundTrip(wire.Message{Type: wire.TypeStatusQuery, Dataset: dataset})
}

func (c *Client) roundTrip(msg wire.Message) (wire.Reply, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return wire.Reply{}, fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := wire.Encode(conn, msg); err != nil {
		return wire.Reply{}, fmt.Errorf("client: send request: %w", err)
	}

	scanner := wire.NewScanner(bufio.NewReader(conn))
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return wire.Reply{}, fmt.Errorf("client: read reply: %w", err)
		}
		return wire.Reply{}, fmt.Errorf("client: connection closed without a reply")
	}

	var reply wire.Reply
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return wire.Reply{}, fmt.Errorf("client: decode reply: %w", err)
	}
	return reply, nil
}
