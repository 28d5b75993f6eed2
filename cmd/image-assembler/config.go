package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

type assemblerConfig struct {
	// LogLevel is any level name logrus understands
	LogLevel string `toml:"log_level"`

	// HostSocket is the unix socket of the privileged helper daemon.
	// Empty means the device and mount services run in-process, which
	// requires running as root.
	HostSocket string `toml:"host_socket"`

	// DeviceDir is where loop device nodes are created
	DeviceDir string `toml:"device_dir"`

	// LockDir overrides the default udev inhibitor lock directory
	LockDir string `toml:"lock_dir"`
}

func parseConfig(file string) (*assemblerConfig, error) {
	// set defaults
	config := assemblerConfig{
		LogLevel:  "info",
		DeviceDir: "/dev",
	}

	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		// Return error only when we failed to decode the file.
		// A non-existing config isn't an error, use defaults in this case.
		if !os.IsNotExist(err) {
			return nil, err
		}

		logrus.Debug("Configuration file not found, using defaults")
	}

	return &config, nil
}
