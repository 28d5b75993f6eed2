package mounts

import (
	"encoding/json"
	"sync"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/hostsvc"
)

// RegisterHandlers exposes a manager on a host service server under
// the mounts.mount, mounts.sync and mounts.umount methods. Live mounts
// are tracked by mountpoint, which is how sync and umount requests
// address them.
func RegisterHandlers(server *hostsvc.Server, manager Manager) {
	var mu sync.Mutex
	live := make(map[string]Mount)

	lookup := func(mountpoint string) (Mount, error) {
		mu.Lock()
		defer mu.Unlock()
		mount, ok := live[mountpoint]
		if !ok {
			return nil, common.NewValidationError("nothing mounted at %s", mountpoint)
		}
		return mount, nil
	}

	server.Register("mounts.mount", func(args json.RawMessage) (interface{}, error) {
		var req Request
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, common.NewValidationError("malformed mount request: %v", err)
		}
		mount, err := manager.Mount(&req)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		live[mount.Mountpoint()] = mount
		mu.Unlock()
		return &Result{Mountpoint: mount.Mountpoint()}, nil
	})

	server.Register("mounts.sync", func(args json.RawMessage) (interface{}, error) {
		var ref Ref
		if err := json.Unmarshal(args, &ref); err != nil {
			return nil, common.NewValidationError("malformed sync request: %v", err)
		}
		mount, err := lookup(ref.Mountpoint)
		if err != nil {
			return nil, err
		}
		return nil, mount.Sync()
	})

	server.Register("mounts.umount", func(args json.RawMessage) (interface{}, error) {
		var ref Ref
		if err := json.Unmarshal(args, &ref); err != nil {
			return nil, common.NewValidationError("malformed umount request: %v", err)
		}
		mount, err := lookup(ref.Mountpoint)
		if err != nil {
			return nil, err
		}
		if err := mount.Umount(); err != nil {
			return nil, err
		}
		mu.Lock()
		delete(live, ref.Mountpoint)
		mu.Unlock()
		return nil, nil
	})
}
