package devices

import (
	"github.com/osbuild/image-assembler/internal/hostsvc"
)

// Client implements Opener against a host service connection.
type Client struct {
	client *hostsvc.Client
}

func NewClient(client *hostsvc.Client) *Client {
	return &Client{client: client}
}

func (c *Client) OpenDevice(req *OpenRequest) (Device, error) {
	var result OpenResult
	if err := c.client.Call("devices.open", req, &result); err != nil {
		return nil, err
	}
	return &remoteDevice{client: c.client, info: result}, nil
}

type remoteDevice struct {
	client *hostsvc.Client
	info   OpenResult
	closed bool
}

func (d *remoteDevice) Path() string {
	return d.info.Path
}

func (d *remoteDevice) Majno() uint32 {
	return d.info.Major
}

func (d *remoteDevice) Minno() uint32 {
	return d.info.Minor
}

func (d *remoteDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.client.Call("devices.close", &CloseRequest{Path: d.info.Path}, nil)
}
