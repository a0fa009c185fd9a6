// Package main provides the entry point for the opflex policy agent.
//
// The agent ingests endpoint and service declarations from watched
// directories and a managed-object inventory, resolves endpoints to
// their endpoint groups, allocates stable on-wire tags, and programs
// the local virtual switch through OVSDB. Local clients subscribe to
// typed events on the notification socket.
//
// Usage:
//
//	opflex-agent [flags]
//
// Flags:
//
//	--config string     Path to the agent configuration file
//	--log-level string  Log level: debug, info, warn, error (overrides config)
//
// Environment Variables:
//
//	OPFLEX_AGENT_LOG_LEVEL     Log level override
//	OPFLEX_AGENT_NOTIF_SOCKET  Notification socket path override
//	OPFLEX_AGENT_IDCACHE_DIR   Id-generator persistence directory override
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/opendaylight/opflex-agent/pkg/agent"
	"github.com/opendaylight/opflex-agent/pkg/config"
	"github.com/opendaylight/opflex-agent/pkg/logging"
)

var (
	// Version information (set at build time)
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the agent configuration file")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	klog.InitFlags(nil)
	flag.Parse()

	if showVersion {
		fmt.Printf("opflex-agent %s (%s)\n", version, gitCommit)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := logging.InitGlobalLogger(logging.Options{
		Level:     cfg.Log.Level,
		Format:    logging.FormatJSON,
		AddCaller: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.L().WithName("agent")

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error(err, "Failed to create agent")
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		log.Error(err, "Failed to start agent")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Received signal, shutting down", "signal", sig.String())

	a.Stop()
}
