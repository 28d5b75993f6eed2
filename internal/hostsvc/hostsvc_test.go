package hostsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/loopback"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResult struct {
	Sum int `json:"sum"`
}

func testServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer()
	server.Register("add", func(args json.RawMessage) (interface{}, error) {
		var a addArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return &addResult{Sum: a.A + a.B}, nil
	})
	server.Register("fail-device", func(args json.RawMessage) (interface{}, error) {
		return nil, loopback.NewDeviceError("cannot clear loop0: still busy after 2s")
	})
	return server
}

// startServer serves on a fresh unix socket and returns a connected
// client plus the socket path for further connections. Cleanup closes
// the client before stopping the server so the connection handler
// drains.
func startServer(t *testing.T, server *Server) (*Client, string) {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "host.sock")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	client, err := Connect(socket)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, socket
}

func TestCallRoundTrip(t *testing.T) {
	client, _ := startServer(t, testServer(t))

	var result addResult
	require.NoError(t, client.Call("add", &addArgs{A: 2, B: 3}, &result))
	assert.Equal(t, 5, result.Sum)

	require.NoError(t, client.Call("add", &addArgs{A: 40, B: 2}, &result))
	assert.Equal(t, 42, result.Sum)
}

func TestCallUnknownMethod(t *testing.T) {
	client, _ := startServer(t, testServer(t))

	err := client.Call("frobnicate", nil, nil)
	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "ValidationError", werr.Kind)
	assert.Contains(t, werr.Message, "frobnicate")
}

func TestCallPreservesErrorKind(t *testing.T) {
	client, _ := startServer(t, testServer(t))

	err := client.Call("fail-device", nil, nil)
	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "DeviceError", werr.Kind)
	assert.Contains(t, werr.Message, "still busy")
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{common.NewValidationError("bad size"), "ValidationError"},
		{&common.ExternalToolError{Tool: "sfdisk", ExitCode: 1}, "ExternalToolError"},
		{loopback.NewDeviceError("no free device"), "DeviceError"},
		{errors.New("something else"), "Error"},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, NewError(c.err).Kind)
	}
}

func TestMultipleClients(t *testing.T) {
	one, socket := startServer(t, testServer(t))

	two, err := Connect(socket)
	require.NoError(t, err)
	defer two.Close()

	var result addResult
	require.NoError(t, one.Call("add", &addArgs{A: 1, B: 1}, &result))
	assert.Equal(t, 2, result.Sum)
	require.NoError(t, two.Call("add", &addArgs{A: 20, B: 22}, &result))
	assert.Equal(t, 42, result.Sum)
	require.NoError(t, one.Call("add", &addArgs{A: 3, B: 4}, &result))
	assert.Equal(t, 7, result.Sum)
}
