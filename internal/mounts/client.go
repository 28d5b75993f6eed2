package mounts

import (
	"github.com/osbuild/image-assembler/internal/hostsvc"
)

// Ref addresses a live mount in umount and sync requests.
type Ref struct {
	Mountpoint string `json:"mountpoint"`
}

// Client implements Manager against a host service connection.
type Client struct {
	client *hostsvc.Client
}

func NewClient(client *hostsvc.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Mount(req *Request) (Mount, error) {
	var result Result
	if err := c.client.Call("mounts.mount", req, &result); err != nil {
		return nil, err
	}
	return &remoteMount{client: c.client, mountpoint: result.Mountpoint}, nil
}

type remoteMount struct {
	client     *hostsvc.Client
	mountpoint string
	umounted   bool
}

func (m *remoteMount) Mountpoint() string {
	return m.mountpoint
}

func (m *remoteMount) Sync() error {
	if m.umounted {
		return nil
	}
	return m.client.Call("mounts.sync", &Ref{Mountpoint: m.mountpoint}, nil)
}

func (m *remoteMount) Umount() error {
	if m.umounted {
		return nil
	}
	m.umounted = true
	return m.client.Call("mounts.umount", &Ref{Mountpoint: m.mountpoint}, nil)
}
