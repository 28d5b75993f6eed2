package hostsvc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Client is the build-step side of the host service protocol. Calls
// are strictly sequential; a reply is matched to its request by
// sequence number.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
	seq  uint64
}

// Connect dials the host service socket.
func Connect(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to host service: %w", err)
	}
	return NewClient(conn), nil
}

func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

// Call sends one request and blocks for its reply. A non-nil result is
// filled from the reply payload. Service failures come back as *Error
// with the original error kind.
func (c *Client) Call(method string, args interface{}, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	req := Request{Seq: c.seq, Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("cannot marshal %s request: %w", method, err)
		}
		req.Args = raw
	}

	if err := c.enc.Encode(&req); err != nil {
		return fmt.Errorf("cannot send %s request: %w", method, err)
	}

	var reply Reply
	if err := c.dec.Decode(&reply); err != nil {
		return fmt.Errorf("cannot read %s reply: %w", method, err)
	}
	if reply.Seq != c.seq {
		return fmt.Errorf("reply out of sequence: got %d, expected %d", reply.Seq, c.seq)
	}
	if reply.Error != nil {
		return reply.Error
	}
	if result != nil && len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("cannot decode %s reply: %w", method, err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
