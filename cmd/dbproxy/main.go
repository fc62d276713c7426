package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/dbproxy/dbproxy/internal/config"
	"github.com/dbproxy/dbproxy/internal/dashboard"
	"github.com/dbproxy/dbproxy/internal/identity"
	. "github.com/dbproxy/dbproxy/internal/logging"
	"github.com/dbproxy/dbproxy/internal/server"
	"github.com/dbproxy/dbproxy/internal/store"
	"github.com/dbproxy/dbproxy/internal/tlscert"
	"github.com/dbproxy/dbproxy/internal/upstream"
)

var version = "dev"

// CLI defines the command-line interface described in spec section 6.
type CLI struct {
	Host        string `help:"Bind address" default:""`
	Port        int    `help:"Bind port" default:"0"`
	Passthrough bool   `help:"Bypass all buffer logic and forward every request verbatim"`
	LogLevel    string `help:"Log level: error, warn, info, debug, trace" default:""`
	Config      string `help:"Config file path" short:"c" type:"path"`

	SetupTLS   SetupTLSCmd   `cmd:"" help:"Generate the local CA and server certificate, then exit"`
	SetupHosts SetupHostsCmd `cmd:"" help:"Print /etc/hosts entries pointing the upstream hostname at this proxy, then exit"`
	Run        RunCmd        `cmd:"" default:"withargs" help:"Run the proxy (default)"`
	Version    VersionCmd    `cmd:"" help:"Show version"`
}

// SetupTLSCmd generates (or reuses) the local CA and server certificate.
type SetupTLSCmd struct {
	Hosts []string `help:"Hostnames/IPs the server certificate should cover" default:"localhost,127.0.0.1"`
}

func (c *SetupTLSCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	m, err := tlscert.EnsureMaterials(cfg.CADir, c.Hosts)
	if err != nil {
		return err
	}
	fmt.Printf("CA certificate:     %s\n", m.CACertPath)
	fmt.Printf("Server certificate: %s\n", m.ServerCertPath)
	fmt.Printf("Server key:         %s\n", m.ServerKeyPath)
	return nil
}

// SetupHostsCmd prints the /etc/hosts redirection the operator needs so
// the upstream hostname resolves to this proxy locally, per spec section 6.
type SetupHostsCmd struct {
	UpstreamHost string `help:"Upstream hostname to redirect" default:"api.anthropic.com"`
}

func (c *SetupHostsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	ip := cfg.Host
	if ip == "" || ip == "0.0.0.0" {
		ip = "127.0.0.1"
	}
	fmt.Printf("# add to /etc/hosts to route %s through this proxy\n", c.UpstreamHost)
	fmt.Printf("%s\t%s\n", ip, c.UpstreamHost)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println("dbproxy " + version)
	return nil
}

// RunCmd starts the proxy in the foreground.
type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	return runProxy(cfg)
}

func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.Host != "" {
		cfg.Host = cli.Host
	}
	if cli.Port != 0 {
		cfg.Port = cli.Port
	}
	if cli.Passthrough {
		cfg.Passthrough = true
	}
	return cfg, nil
}

func runProxy(cfg *config.Config) error {
	L_info("dbproxy: starting", "version", version, "host", cfg.Host, "port", cfg.Port, "upstream", cfg.UpstreamURL)

	upstreamCfg := upstream.DefaultConfig(cfg.UpstreamURL)
	httpClient, err := upstream.NewHTTPClient(upstreamCfg)
	if err != nil {
		return fmt.Errorf("dbproxy: build upstream client: %w", err)
	}
	forwardClient := upstream.NewClient(upstreamCfg, httpClient)
	checkpointClient := upstream.NewCheckpointClient(upstreamCfg, httpClient)

	st, err := store.Open(store.DefaultConfig(cfg.StorePath))
	if err != nil {
		return fmt.Errorf("dbproxy: open telemetry store: %w", err)
	}
	defer st.Close()

	reg := identity.NewRegistry(cfg.ConversationTTLSeconds())
	dash := dashboard.New(reg)

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	srv := server.New(addr, cfg, reg, forwardClient, checkpointClient, st, dash)

	m, err := tlscert.EnsureMaterials(cfg.CADir, []string{cfg.Host, "localhost", "127.0.0.1"})
	if err != nil {
		return fmt.Errorf("dbproxy: tls materials: %w", err)
	}
	serverTLSConfig, err := tlscert.LoadServerTLSConfig(m)
	if err != nil {
		return fmt.Errorf("dbproxy: load tls config: %w", err)
	}

	if err := srv.Start(serverTLSConfig); err != nil {
		return fmt.Errorf("dbproxy: start server: %w", err)
	}

	stopExpiry := startExpiryLoop(reg, cfg.ConversationTTLSeconds())
	defer close(stopExpiry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	L_info("dbproxy: received signal, shutting down", "signal", sig)
	signal.Stop(sigCh)

	return srv.Stop()
}

// expiryCheckDivisor mirrors the teacher's ttl/divisor-with-a-floor shape
// for background cleanup loops: check often enough relative to the TTL to
// keep idle conversations from lingering, but never tighter than 1 minute.
const expiryCheckDivisor = 4

// startExpiryLoop runs reg.ExpireStale on a ticker derived from ttl, so
// idle conversations are actually dropped per spec section 3 instead of
// accumulating for the life of the process. Returns a channel the caller
// closes to stop the loop.
func startExpiryLoop(reg *identity.Registry, ttl time.Duration) chan struct{} {
	interval := ttl / expiryCheckDivisor
	if interval < time.Minute {
		interval = time.Minute
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := reg.ExpireStale(); n > 0 {
					L_debug("dbproxy: expired idle conversations", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("dbproxy"),
		kong.Description("TLS-intercepting reverse proxy that precomputes conversation checkpoints in place of upstream compaction"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	switch cli.LogLevel {
	case "error":
		level = LevelError
	case "warn":
		level = LevelWarn
	case "debug":
		level = LevelDebug
	case "trace":
		level = LevelTrace
	}
	Init(&Config{Level: level, ShowCaller: true})

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
