// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpcclient is the loopr CLI's connection to looprd's protocol
// socket: one request per call, newline-delimited JSON envelopes matching
// internal/protocol's wire format.
package rpcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopr/loopr/internal/protocol"
)

// Client is a single connection to a looprd socket. Calls are serialized;
// this matches the CLI's one-shot request-per-invocation usage and avoids
// the response-matching complexity a multiplexed client would need.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
	nextID  atomic.Int64
	mu      sync.Mutex
}

// Dial connects to the Unix domain socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, &NotRunningError{SocketPath: socketPath, Err: err}
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Client{conn: conn, enc: json.NewEncoder(conn), scanner: scanner}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends method with params and decodes the result into out. out may
// be nil to discard the result. A deadline from ctx, if any, is applied to
// both the write and the read.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := protocol.ParseEnvelope(line)
		if err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		if env.EventType != "" {
			// A server-pushed event, not our response; keep reading.
			continue
		}
		if env.Error != nil {
			return &RPCError{Code: env.Error.Code, Message: env.Error.Message}
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decoding result: %w", err)
			}
		}
		return nil
	}
	if err := c.scanner.Err(); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	return fmt.Errorf("connection closed before a response arrived")
}

// Ping calls the daemon's health-check method.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "ping", nil, nil)
}

// RPCError is a structured error returned by a daemon method.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotRunningError indicates the daemon's socket could not be reached.
type NotRunningError struct {
	SocketPath string
	Err        error
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("loopr daemon is not running (socket: %s)", e.SocketPath)
}

func (e *NotRunningError) Unwrap() error {
	return e.Err
}

// Guidance returns user-facing advice for starting the daemon.
func (e *NotRunningError) Guidance() string {
	return "Start it with:\n  loopr daemon start"
}
