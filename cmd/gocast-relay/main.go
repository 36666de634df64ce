// GoCast - A modern Icecast replacement written in Go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gocast/gocast/internal/config"
	"github.com/gocast/gocast/internal/relay"
	"github.com/gocast/gocast/internal/server"
	"github.com/gocast/gocast/internal/stream"
)

// Version information - injected at build time via ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// relayStepInterval paces the cooperative worker-pool tick that drives
// every relay client's state machine forward.
const relayStepInterval = 100 * time.Millisecond

func main() {
	configFile := flag.String("config", "gocast.conf", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("GoCast %s\n", version)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Build Date: %s\n", buildDate)
		fmt.Println("  https://github.com/gocast/gocast")
		os.Exit(0)
	}

	logger := log.New(os.Stdout, "[GoCast] ", log.LstdFlags|log.Lmsgprefix)
	printBanner(logger)

	logger.Printf("Loading configuration from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	srv := server.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayCtl := startRelays(ctx, cfg, srv, logger)

	if err := srv.Start(); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}

	if cfg.Server.SSLEnabled {
		logger.Printf("GoCast is running on https://%s:%d", cfg.Server.Hostname, cfg.Server.SSLPort)
	} else {
		logger.Printf("GoCast is running on http://%s:%d", cfg.Server.Hostname, cfg.Server.Port)
	}
	logger.Printf("Admin panel: http://%s:%d/admin/", cfg.Server.Hostname, cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-quit

		switch sig {
		case syscall.SIGHUP:
			logger.Println("Received SIGHUP, reloading configuration...")
			newCfg, err := config.Load(*configFile)
			if err != nil {
				logger.Printf("Reload failed, keeping running configuration: %v", err)
				continue
			}
			if err := newCfg.Validate(); err != nil {
				logger.Printf("Reload failed, invalid configuration: %v", err)
				continue
			}
			srv.Reload(newCfg)
			relayCtl.UpdateRelaySet(descriptorsFromConfig(newCfg))

		case syscall.SIGINT, syscall.SIGTERM:
			logger.Printf("Received %v, shutting down...", sig)
			cancel()
			relayCtl.StopMasterPull()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Printf("Error during shutdown: %v", err)
				shutdownCancel()
				os.Exit(1)
			}
			shutdownCancel()

			logger.Println("GoCast shutdown complete")
			os.Exit(0)
		}
	}
}

// startRelays wires a RelaySink onto the server's mount manager,
// installs every statically configured relay, starts the master
// stream-list pull if enabled, and launches the cooperative
// worker-pool tick that steps every relay client forward.
func startRelays(ctx context.Context, cfg *config.Config, srv *server.Server, logger *log.Logger) *relay.Controller {
	sink := stream.NewRelaySink(srv.MountManager())
	relayCtl := relay.NewController(sink, logger)

	for _, d := range descriptorsFromConfig(cfg) {
		relayCtl.Install(d)
	}

	if cfg.Master.Enabled {
		// Relays learned from the stream list pull from the queried master.
		masterURL, err := url.Parse(cfg.Master.BaseURL)
		if err != nil {
			logger.Printf("relay: invalid master base_url %q: %v", cfg.Master.BaseURL, err)
			masterURL = &url.URL{}
		}
		masterPort, _ := strconv.Atoi(masterURL.Port())
		if masterPort == 0 {
			masterPort = 80
		}
		masterCfg := relay.MasterConfig{
			BaseURL:       cfg.Master.BaseURL,
			Username:      cfg.Master.Username,
			Password:      cfg.Master.Password,
			PullInterval:  cfg.Master.PullInterval,
			OwnHost:       masterURL.Hostname(),
			OwnPort:       masterPort,
			RelayInterval: 5 * time.Second,
		}
		if err := relayCtl.StartMasterPull(ctx, masterCfg); err != nil {
			logger.Printf("relay: failed to start master streamlist pull: %v", err)
		} else {
			logger.Printf("relay: pulling stream list from %s every %s", cfg.Master.BaseURL, masterCfg.PullInterval)
		}
	}

	go func() {
		ticker := time.NewTicker(relayStepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				relayCtl.StepAll(now)
			}
		}
	}()

	return relayCtl
}

// descriptorsFromConfig converts every configured RelayConfig entry
// into a relay.Descriptor.
func descriptorsFromConfig(cfg *config.Config) []*relay.Descriptor {
	out := make([]*relay.Descriptor, 0, len(cfg.Relays))
	for _, rc := range cfg.Relays {
		masters := make([]relay.Master, 0, len(rc.Masters))
		for _, m := range rc.Masters {
			masters = append(masters, relay.Master{
				IP:      m.IP,
				Port:    m.Port,
				Mount:   m.Mount,
				Timeout: m.Timeout,
			})
		}
		out = append(out, &relay.Descriptor{
			Localmount:  rc.Localmount,
			Masters:     masters,
			Username:    rc.Username,
			Password:    rc.Password,
			MP3Metadata: rc.MP3Metadata,
			OnDemand:    rc.OnDemand,
			Interval:    rc.Interval,
		})
	}
	return out
}

func printBanner(logger *log.Logger) {
	banner := `
   ██████╗  ██████╗  ██████╗ █████╗ ███████╗████████╗
  ██╔════╝ ██╔═══██╗██╔════╝██╔══██╗██╔════╝╚══██╔══╝
  ██║  ███╗██║   ██║██║     ███████║███████╗   ██║
  ██║   ██║██║   ██║██║     ██╔══██║╚════██║   ██║
  ╚██████╔╝╚██████╔╝╚██████╗██║  ██║███████║   ██║
   ╚═════╝  ╚═════╝  ╚═════╝╚═╝  ╚═╝╚══════╝   ╚═╝

  Modern Icecast Replacement - v%s
  ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`
	fmt.Printf(banner, version)
}

func printUsage() {
	fmt.Printf(`GoCast %s - A modern Icecast replacement written in Go

USAGE:
    gocast-relay [OPTIONS]

OPTIONS:
    -config <file>    Path to configuration file (default: gocast.conf)
    -version          Show version information
    -help             Show this help message

SIGNALS:
    SIGINT, SIGTERM   Graceful shutdown
    SIGHUP            Reload configuration and relay set

For more information, visit: https://github.com/gocast/gocast
`, version)
}
