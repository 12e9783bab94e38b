package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// DefaultCallTimeout bounds one round trip, dial included.
const DefaultCallTimeout = 30 * time.Second

// Client talks to the daemon socket. One connection per call keeps the CLI
// stateless; the daemon serves each line independently.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient builds a client for the daemon socket. timeout <= 0 uses the
// default.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Call performs one RPC. params may be nil; result, when non-nil, receives
// the unmarshaled result field.
func (c *Client) Call(op string, params, result any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("dialing daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	req := Request{ID: uuid.NewString(), Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", op, err)
		}
		req.Params = raw
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("sending %s: %w", op, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading %s response: %w", op, err)
		}
		return fmt.Errorf("daemon closed the connection during %s", op)
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("parsing %s response: %w", op, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%s response ID mismatch: got %q", op, resp.ID)
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", op, resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", op, err)
		}
	}
	return nil
}

// Ping checks daemon liveness and returns its identity.
func (c *Client) Ping() (PingResult, error) {
	var res PingResult
	err := c.Call(OpPing, nil, &res)
	return res, err
}
