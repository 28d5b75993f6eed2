package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/devices"
	"github.com/osbuild/image-assembler/internal/hostsvc"
	"github.com/osbuild/image-assembler/internal/loopback"
	"github.com/osbuild/image-assembler/internal/mounts"
)

const configFile = "/etc/image-assembler/image-assembler-host.toml"
const defaultSocket = "/run/image-assembler/host.sock"

// listen returns the socket the daemon serves on: the systemd-activated
// one when the unit passed us any, a freshly bound one otherwise.
func listen(socketPath string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("cannot get activation sockets: %w", err)
	}
	switch len(listeners) {
	case 0:
	case 1:
		logrus.Info("Listening on the systemd-activated socket")
		return listeners[0], nil
	default:
		return nil, fmt.Errorf("unexpected number of activation sockets (%d), expected 1", len(listeners))
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, err
	}
	// a socket file left over from a previous run would refuse the bind
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	logrus.Infof("Listening on %s", socketPath)
	return net.Listen("unix", socketPath)
}

func main() {
	var configArg string
	var socketArg string
	flag.StringVar(&configArg, "config", configFile, "`path` to the configuration file")
	flag.StringVar(&socketArg, "socket", defaultSocket, "unix `socket` to serve on when not socket-activated")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config FILE] [-socket PATH]\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	config, err := parseConfig(configArg)
	if err != nil {
		logrus.Fatalf("Could not load config file '%s': %v", configArg, err)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	logLevel, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		logrus.Fatalf("Could not set up logging: %v", err)
	}
	logrus.SetLevel(logLevel)
	if _, journal := os.LookupEnv("JOURNAL_STREAM"); journal {
		logrus.AddHook(&common.JournalHook{})
		logrus.SetOutput(io.Discard)
	}
	logrus.AddHook(&common.BuildHook{})

	ctl, err := loopback.NewLoopControl()
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	defer ctl.Close()

	server := hostsvc.NewServer()
	devices.RegisterHandlers(server, devices.NewService(ctl, config.DeviceDir, config.LockDir))
	mounts.RegisterHandlers(server, mounts.NewService())

	listener, err := listen(socketArg)
	if err != nil {
		logrus.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, listener); err != nil {
		logrus.Fatalf("Host service failed: %v", err)
	}

	logrus.Info("Shutting down.")
}
