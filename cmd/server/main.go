package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/minichat/pkg/server"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.minichat/config.toml", "Path to config file (created with defaults if missing)")
	tcpPort := flag.Int("port", 0, "TCP port (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("minichat-server %s\n", Version)
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	config := tomlConfig.ToServerConfig()
	if *tcpPort > 0 {
		config.TCPPort = *tcpPort
	}

	srv, err := server.NewServer(config, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}
	log.Printf("minichat-server %s ready", Version)

	// Block until SIGINT or SIGTERM, then shut down gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		os.Exit(1)
	}
}
