package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/image-assembler/internal/assembler"
	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/devices"
	"github.com/osbuild/image-assembler/internal/hostsvc"
	"github.com/osbuild/image-assembler/internal/loopback"
	"github.com/osbuild/image-assembler/internal/mounts"
)

const configFile = "/etc/image-assembler/image-assembler.toml"

// buildIDHook stamps every log entry with the id of the running build,
// so interleaved logs from a busy host can be pulled apart.
type buildIDHook struct {
	id string
}

func (h *buildIDHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *buildIDHook) Fire(e *logrus.Entry) error {
	e.Data["build_id"] = h.id
	return nil
}

func setupLogging(level string) error {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(logLevel)

	// running under systemd with the journal attached, log natively;
	// stderr is discarded or the journal would pick entries up twice
	if _, journal := os.LookupEnv("JOURNAL_STREAM"); journal {
		logrus.AddHook(&common.JournalHook{})
		logrus.SetOutput(io.Discard)
	}

	logrus.AddHook(&common.BuildHook{})
	logrus.AddHook(&buildIDHook{id: common.GenerateBuildID()})

	return nil
}

// newServices wires up the privileged brokers: clients of the helper
// daemon when a socket is configured, in-process services otherwise.
func newServices(config *assemblerConfig) (*assembler.Services, func() error, error) {
	if config.HostSocket != "" {
		client, err := hostsvc.Connect(config.HostSocket)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot connect to host services at %s: %w", config.HostSocket, err)
		}
		svc := &assembler.Services{
			Devices: devices.NewClient(client),
			Mounts:  mounts.NewClient(client),
			Arch:    common.CurrentArch(),
		}
		return svc, client.Close, nil
	}

	ctl, err := loopback.NewLoopControl()
	if err != nil {
		return nil, nil, err
	}
	svc := &assembler.Services{
		Devices: devices.NewService(ctl, config.DeviceDir, config.LockDir),
		Mounts:  mounts.NewService(),
		Arch:    common.CurrentArch(),
	}
	return svc, ctl.Close, nil
}

func main() {
	var configArg string
	var hostArg string
	flag.StringVar(&configArg, "config", configFile, "`path` to the configuration file")
	flag.StringVar(&hostArg, "host", "", "unix `socket` of the privileged helper daemon")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config FILE] [-host SOCKET] MANIFEST TREE OUTPUT-DIR\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}
	manifestPath := flag.Arg(0)
	tree := flag.Arg(1)
	outputDir := flag.Arg(2)

	config, err := parseConfig(configArg)
	if err != nil {
		logrus.Fatalf("Could not load config file '%s': %v", configArg, err)
	}
	if hostArg != "" {
		config.HostSocket = hostArg
	}

	if err := setupLogging(config.LogLevel); err != nil {
		logrus.Fatalf("Could not set up logging: %v", err)
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		logrus.Fatalf("Could not read manifest: %v", err)
	}

	var manifest assembler.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		logrus.Fatalf("Could not parse manifest: %v", err)
	}

	if info, err := os.Stat(tree); err != nil || !info.IsDir() {
		logrus.Fatalf("Tree '%s' is not a directory", tree)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		logrus.Fatalf("Could not create output directory: %v", err)
	}

	svc, closeServices, err := newServices(config)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	defer closeServices()

	logrus.Infof("Assembling '%s' image from %s", manifest.Assembler.Name, tree)
	if err := manifest.Assembler.Assemble(svc, tree, outputDir); err != nil {
		logrus.Fatalf("Assembly failed: %v", err)
	}
	logrus.Infof("Image assembly finished, artifact is in %s", outputDir)
}
