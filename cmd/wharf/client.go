package main

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"wharf/pkg/config"
	"wharf/pkg/protocol"
)

// daemonClient is a short-lived connection to the daemon socket, used by
// the control-plane subcommands.
type daemonClient struct {
	conn net.Conn
	dec  *json.Decoder

	mu  sync.Mutex
	enc *json.Encoder
}

func dialDaemon() (*daemonClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("unix", cfg.SocketPath, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s (is the daemon running? try `wharf serve`): %w", cfg.SocketPath, err)
	}
	return &daemonClient{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

func (c *daemonClient) Close() error { return c.conn.Close() }

// send writes one frame. Safe for concurrent use; the attach bridge
// writes from several goroutines.
func (c *daemonClient) send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(f)
}

// request sends one control operation and waits for its result. Error
// frames on the same connection surface as errors.
func (c *daemonClient) request(req protocol.RequestPayload) (*protocol.ResultPayload, error) {
	err := c.send(protocol.Frame{Type: protocol.FrameRequest, Request: &req})
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	for {
		var frame protocol.Frame
		if err := c.dec.Decode(&frame); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		switch frame.Type {
		case protocol.FrameResult:
			if frame.Result == nil {
				return nil, fmt.Errorf("result frame without payload")
			}
			if !frame.Result.OK {
				return nil, fmt.Errorf("%s", frame.Result.Detail)
			}
			return frame.Result, nil
		case protocol.FrameError:
			return nil, fmt.Errorf("%s", frame.Error.Message)
		default:
			// Broadcast frames aimed at other viewers; skip.
		}
	}
}
