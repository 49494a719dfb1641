package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/debashish-mukherjee/go-snmpusm/internal/agent"
	"github.com/debashish-mukherjee/go-snmpusm/internal/config"
	"github.com/debashish-mukherjee/go-snmpusm/internal/engine"
	"github.com/debashish-mukherjee/go-snmpusm/internal/persist"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

type stringSliceFlag []string

func (f *stringSliceFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *stringSliceFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		item := strings.TrimSpace(part)
		if item != "" {
			*f = append(*f, item)
		}
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to usmd.yaml")
	engineID := flag.String("engine-id", "", "Local engine ID (hex or plain text); generated from the hostname if empty")
	stateFile := flag.String("state-file", "", "Path to the engine boots state file")
	metricsAddr := flag.String("metrics-addr", "", "Address for the prometheus /metrics endpoint")
	usersFile := flag.String("users-file", "", "Path to the persisted user table")
	maxMessageSize := flag.Int("max-message-size", 0, "snmpEngineMaxMessageSize to advertise")
	workers := flag.Int("workers", 4, "Packet handling workers")
	var listen stringSliceFlag
	flag.Var(&listen, "listen", "UDP listen address host:port (repeatable or comma-separated)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "engine-id":
			cfg.EngineID = *engineID
		case "state-file":
			cfg.StateFile = *stateFile
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "users-file":
			cfg.UsersFile = *usersFile
		case "max-message-size":
			cfg.MaxMessageSize = *maxMessageSize
		case "listen":
			cfg.Listen = listen
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	localID, err := v3.ParseEngineID(cfg.EngineID)
	if err != nil {
		log.Fatalf("Invalid engine ID: %v", err)
	}
	if len(localID) == 0 {
		host, _ := os.Hostname()
		localID = v3.GenerateEngineID("usmd-" + host)
	}

	states, err := v3.NewEngineStateStore(cfg.StateFile)
	if err != nil {
		log.Fatalf("Failed to open engine state: %v", err)
	}
	boots, err := states.EnsureBoots(localID)
	if err != nil {
		log.Fatalf("Failed to persist engine boots: %v", err)
	}

	usmCtx := usm.New(usm.Config{Local: usm.NewLocalEngine(localID, boots, nil)})
	if err := loadUsers(usmCtx, cfg, localID); err != nil {
		log.Fatalf("Failed to load users: %v", err)
	}

	log.Printf("Starting USM responder")
	log.Printf("Engine ID: %x boots=%d", localID, boots)
	log.Printf("Listen: %s", strings.Join(cfg.Listen, ", "))
	log.Printf("Users: %d", usmCtx.Users.Len())

	saver, err := persist.NewManager(usmCtx.Users, cfg.UsersFile, cfg.PersistSchedule)
	if err != nil {
		log.Fatalf("Invalid persistence settings: %v", err)
	}

	responder, err := agent.NewAgent(usmCtx, cfg.MaxMessageSize)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}
	server, err := engine.NewServer(engine.Config{ListenAddrs: cfg.Listen, Workers: *workers}, responder)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = newMetricsServer(cfg.MetricsAddr, usmCtx, responder, server)
		go func() {
			log.Printf("Serving metrics on http://%s/metrics", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Warning: metrics server error: %v", err)
			}
		}()
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	saver.Start()
	log.Printf("USM responder started successfully")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Printf("Shutting down...")
	server.Stop()
	if err := saver.Stop(); err != nil {
		log.Printf("Warning: %v", err)
	}
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		done()
	}
	usmCtx.Shutdown()
	log.Printf("Graceful shutdown complete")
}

// loadUsers reads the persisted table, then applies the configured users on top. Users
// from the config file are permanent: they are not written back to the users file.
func loadUsers(ctx *usm.Context, cfg *config.Config, localID []byte) error {
	if cfg.UsersFile != "" {
		n, err := ctx.Users.LoadFile(cfg.UsersFile)
		if err != nil {
			return err
		}
		log.Printf("Loaded %d users from %s", n, cfg.UsersFile)
	}
	for _, cu := range cfg.Users {
		p, err := cu.SessionParams(localID)
		if err != nil {
			return err
		}
		u, err := usmuser.NewUser(ctx.Crypto, p)
		if err != nil {
			return err
		}
		u.StorageType = usmuser.StoragePermanent
		old, err := ctx.Users.Insert(u)
		if err != nil {
			return err
		}
		if old != nil {
			log.Printf("User %q from config replaces the persisted entry", u.Name)
			old.Scrub()
		}
	}
	return nil
}
