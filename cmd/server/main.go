package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/roomchat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type serverFlags struct {
	configPath string
	port       int
	sshPort    int
	httpPort   int
	dbPath     string
	maxClients int
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &serverFlags{}

	cmd := &cobra.Command{
		Use:           "roomchat-server",
		Short:         "Multi-room chat server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd, flags)
			if err != nil {
				log.Printf("Error: %v", err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "~/.roomchat/config.toml", "Path to config file")
	f.IntVar(&flags.port, "port", 0, "TCP port to listen on (overrides config)")
	f.IntVar(&flags.sshPort, "ssh-port", 0, "SSH port to listen on (overrides config)")
	f.IntVar(&flags.httpPort, "http-port", 0, "HTTP port for health, metrics and WebSocket (overrides config)")
	f.StringVar(&flags.dbPath, "db", "", "Path to the SQLite session log (overrides config)")
	f.IntVar(&flags.maxClients, "max-clients", -1, "Maximum concurrent users, 0 for unlimited (overrides config)")
	f.BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	return cmd
}

func run(cmd *cobra.Command, flags *serverFlags) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	config, err := server.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Command-line flags override config file
	if cmd.Flags().Changed("port") {
		config.Server.TCPPort = flags.port
	}
	if cmd.Flags().Changed("ssh-port") {
		config.Server.SSHPort = flags.sshPort
	}
	if cmd.Flags().Changed("http-port") {
		config.Server.HTTPPort = flags.httpPort
	}
	if flags.dbPath != "" {
		config.Server.DatabasePath = flags.dbPath
	}
	if flags.maxClients >= 0 {
		config.Limits.MaxClients = flags.maxClients
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	serverConfig := config.ToServerConfig()
	serverConfig.DatabasePath = dbPath

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if flags.debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Printf("RoomChat server %s started", Version)
	log.Printf("Config: %s", flags.configPath)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): %s", srv.Addr())
	if addr := srv.SSHAddr(); addr != nil {
		log.Printf("  - SSH: %s (host key %s)", addr, serverConfig.SSHHostKeyPath)
	}
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws", addr)
		log.Printf("  - Health and metrics: http://%s/health, http://%s/metrics", addr, addr)
	}
	if dbPath != "" {
		log.Printf("Session log: %s", dbPath)
	} else {
		log.Printf("Session log disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	return srv.Stop()
}
