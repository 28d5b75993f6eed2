// Package hostsvc carries requests between unprivileged build steps
// and the privileged host services (loop devices, mounts). The
// protocol is synchronous JSON over a stream socket: one request, one
// reply, in order. The transport is deliberately dumb; the contract is
// in the per-service request and result types.
package hostsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/loopback"
)

type Request struct {
	Seq    uint64          `json:"seq"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type Reply struct {
	Seq    uint64          `json:"seq"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the wire form of a failed request. Kind preserves the
// error category across the socket.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(err error) *Error {
	return &Error{Kind: errorKind(err), Message: err.Error()}
}

func errorKind(err error) string {
	var verr *common.ValidationError
	var terr *common.ExternalToolError
	var derr *loopback.DeviceError
	switch {
	case errors.As(err, &verr):
		return "ValidationError"
	case errors.As(err, &terr):
		return "ExternalToolError"
	case errors.As(err, &derr):
		return "DeviceError"
	}
	return "Error"
}

// HandlerFunc serves one method. Args arrive as raw JSON; the returned
// value is marshalled into the reply.
type HandlerFunc func(args json.RawMessage) (interface{}, error)

type Server struct {
	methods map[string]HandlerFunc
}

func NewServer() *Server {
	return &Server{
		methods: make(map[string]HandlerFunc),
	}
}

func (s *Server) Register(method string, handler HandlerFunc) {
	s.methods[method] = handler
}

// Serve accepts connections on the listener until ctx is cancelled and
// serves each one until its peer hangs up.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			group.Go(func() error {
				defer conn.Close()
				s.serveConn(conn)
				return nil
			})
		}
	})

	return group.Wait()
}

func (s *Server) serveConn(conn net.Conn) {
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logrus.Warnf("host service: cannot decode request: %v", err)
			}
			return
		}
		if err := enc.Encode(s.dispatch(&req)); err != nil {
			logrus.Warnf("host service: cannot send reply: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Reply {
	handler, ok := s.methods[req.Method]
	if !ok {
		return &Reply{
			Seq:   req.Seq,
			Error: NewError(common.NewValidationError("unknown method %q", req.Method)),
		}
	}

	result, err := handler(req.Args)
	if err != nil {
		logrus.Warnf("host service: %s failed: %v", req.Method, err)
		return &Reply{Seq: req.Seq, Error: NewError(err)}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return &Reply{Seq: req.Seq, Error: NewError(fmt.Errorf("cannot marshal %s result: %w", req.Method, err))}
	}
	return &Reply{Seq: req.Seq, Result: raw}
}
