// Command zwhost is an interactive Z-Wave host console.
//
// It opens a serial (or tcp://) controller, identifies the network and
// exposes the driver through a readline command loop.
//
// Usage:
//
//	zwhost [flags]
//
// Flags:
//
//	-config string     Configuration file path (YAML)
//	-port string       Serial device or tcp://host:port to open at startup
//	-cache-dir string  Directory for the network/value/metadata caches
//	-log-file string   CBOR event log path
//	-reset             Clear the persisted caches on open
//
// Interactive Commands:
//
//	open <path>                     - Open a controller port
//	info                            - Show controller identity
//	nodes                           - List known nodes
//	send <node> <cc> <cmd> [hex]    - Send a command class PDU
//	ping <node>                     - NoOperation round trip
//	interview <node>                - Run the node interview
//	watch                           - Toggle printing of inbound commands
//	quit                            - Exit
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/zwave-host/zwgo/cmd/zwhost/interactive"
	"github.com/zwave-host/zwgo/pkg/config"
)

var (
	configFile string
	portPath   string
	cacheDir   string
	logFile    string
	reset      bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&portPath, "port", "", "Serial device or tcp://host:port to open at startup")
	flag.StringVar(&cacheDir, "cache-dir", "", "Directory for the network/value/metadata caches")
	flag.StringVar(&logFile, "log-file", "", "CBOR event log path")
	flag.BoolVar(&reset, "reset", false, "Clear the persisted caches on open")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	opts := config.Default()
	if configFile != "" {
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		opts = loaded
	}
	opts.FromEnv()
	if cacheDir != "" {
		opts.Storage.CacheDir = cacheDir
	}
	if reset {
		opts.Storage.ClearCache = true
	}
	if err := opts.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	console, err := interactive.New(opts, logFile)
	if err != nil {
		log.Fatalf("Failed to create console: %v", err)
	}
	// Route log output through readline so it does not clobber input.
	log.SetOutput(console.Stdout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if portPath != "" {
		if err := console.Open(ctx, portPath); err != nil {
			log.Fatalf("Failed to open %s: %v", portPath, err)
		}
	}

	go console.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	console.Close()
}
