// Command rpclient is the CLI entrypoint: discover consoles on the LAN,
// register a PIN-verified credential, open a remote-play session, and
// report status — a thin driver over the internal session pipeline.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/rpclient/internal/audit"
	"github.com/breeze-rmm/rpclient/internal/config"
	"github.com/breeze-rmm/rpclient/internal/controlplane"
	"github.com/breeze-rmm/rpclient/internal/credstore"
	"github.com/breeze-rmm/rpclient/internal/discovery"
	"github.com/breeze-rmm/rpclient/internal/eventbus"
	"github.com/breeze-rmm/rpclient/internal/feeder"
	"github.com/breeze-rmm/rpclient/internal/health"
	"github.com/breeze-rmm/rpclient/internal/logging"
	"github.com/breeze-rmm/rpclient/internal/registration"
	"github.com/breeze-rmm/rpclient/internal/session"
	"github.com/breeze-rmm/rpclient/internal/wire"
)

var (
	version = "0.1.0"
	cfgFile string
	target  string
	pin     string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "rpclient",
	Short: "Remote Play client",
	Long:  "rpclient - a headless PlayStation Remote Play client",
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan the LAN for consoles",
	Run: func(cmd *cobra.Command, args []string) {
		runDiscover()
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <ip>",
	Short: "Register with a console using its on-screen PIN",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRegister(args[0])
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <ip>",
	Short: "Open a remote-play session with a registered console",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runConnect(args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the number of cached console registrations",
	Run: func(cmd *cobra.Command, args []string) {
		runStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rpclient v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/rpclient/config.yaml)")
	registerCmd.Flags().StringVar(&pin, "pin", "", "8-digit PIN shown on the console's Remote Play settings screen")
	rootCmd.PersistentFlags().StringVar(&target, "target", "ps5", "console generation: ps4 | ps5")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
	if cfg.DataDir == "" {
		cfg.DataDir = config.GetDataDir()
	}
	return cfg
}

func parseTarget() wire.Target {
	switch target {
	case "ps4":
		return wire.TargetPS4V1
	default:
		return wire.TargetPS5V1
	}
}

func openStore(cfg *config.Config) *credstore.FileStore {
	store, err := credstore.NewFileStore(filepath.Join(cfg.DataDir, "credentials.ndjson"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open credential store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func openCache(cfg *config.Config) *credstore.Cache {
	return credstore.NewCache(openStore(cfg))
}

// sessionConfig converts the loaded, millisecond-granularity config into
// the durations session.Machine works with.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		WakeSettleDelay:         time.Duration(cfg.WakeSettleMs) * time.Millisecond,
		WakeConfirmBudget:       time.Duration(cfg.WakeConfirmBudgetMs) * time.Millisecond,
		WakeProbeInterval:       time.Duration(cfg.WakeProbeIntervalMs) * time.Millisecond,
		SessionInitTimeout:      time.Duration(cfg.SessionInitTimeoutMs) * time.Millisecond,
		ControlConnectTimeout:   time.Duration(cfg.ControlPlaneConnectMs) * time.Millisecond,
		BangCadence:             time.Duration(cfg.BangCadenceMs) * time.Millisecond,
		ConnectionLostThreshold: time.Duration(cfg.ConnectionLostMs) * time.Millisecond,
		StopJoinTimeout:         time.Duration(cfg.StopJoinTimeoutMs) * time.Millisecond,
	}
}

// runDiscover broadcasts a discovery probe on every IPv4 broadcast-capable
// interface and prints every console that answers, known or not; a console
// never seen before still shows up here and can be registered directly
// with `register <ip> --pin=...` once its on-screen PIN is visible.
func runDiscover() {
	cfg := loadConfig()
	cache := openCache(cfg)

	scanTimeout := time.Duration(cfg.DiscoveryScanTimeoutMs) * time.Millisecond
	scanInterval := time.Duration(cfg.DiscoveryScanIntervalMs) * time.Millisecond

	engine := discovery.NewEngine(discovery.NewUDPDialer(), discovery.NewUDPBroadcaster())
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	found := engine.Scan(ctx, scanTimeout, scanInterval)
	for console := range found {
		tag := ""
		if registered, err := cache.IsRegistered(console.IP); err == nil && registered {
			tag = " (registered)"
		}
		fmt.Printf("%-16s %-20s %-7s %s\n", console.IP, console.DeviceName, console.State, tag)
	}
}

func runRegister(ip string) {
	cfg := loadConfig()
	if pin == "" {
		fmt.Fprintln(os.Stderr, "--pin is required")
		os.Exit(1)
	}

	cache := openCache(cfg)
	transport := registration.NewHTTPTransport(&http.Client{Timeout: 10 * time.Second}, parseTarget())
	engine := registration.NewEngine(transport)

	done := make(chan struct{})
	attemptID := engine.Register(context.Background(), ip, pin, cfg.AccountIDB64, func(ev registration.Event) {
		switch ev.Kind {
		case registration.EventSuccess:
			reg := credstore.ConsoleRegistration{
				ConsoleIP:    ip,
				ConsoleName:  ev.Success.ServerNickname,
				Target:       parseTarget(),
				RegkeyHex8:   ev.Success.RegkeyHex8,
				Morning:      ev.Success.Morning,
				AccountIDB64: cfg.AccountIDB64,
				WakeCred:     ev.Success.RegkeyHex8,
				IsValid:      true,
				IsRegistered: true,
			}
			if err := cache.Add(reg); err != nil {
				fmt.Fprintf(os.Stderr, "failed to save registration: %v\n", err)
			} else {
				fmt.Printf("registered with %s (%s)\n", ip, ev.Success.ServerNickname)
			}
			close(done)
		case registration.EventFailed:
			fmt.Fprintf(os.Stderr, "registration failed: %s (%s)\n", ev.Message, ev.Failure)
			close(done)
		case registration.EventCancelled:
			close(done)
		}
	})
	log.Info("registration started", "attemptId", attemptID)
	<-done
}

func runConnect(ip string) {
	cfg := loadConfig()
	cache := openCache(cfg)

	auditLogger, err := audit.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log: %v\n", err)
		os.Exit(1)
	}
	defer auditLogger.Close()

	bus := eventbus.New()
	if cfg.EventBusEnabled {
		addr, err := bus.Start(cfg.EventBusListenAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start event bus: %v\n", err)
			os.Exit(1)
		}
		log.Info("event bus listening", "addr", addr)
		defer bus.Stop()
	}

	deps := session.Deps{
		Discovery:   discovery.NewEngine(discovery.NewUDPDialer(), discovery.NewUDPBroadcaster()),
		Credentials: cache,
		Health:      health.NewMonitor(),
		Audit:       auditLogger,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		ControlConnect: func(ctx context.Context, addr string, cb controlplane.Callbacks) (*controlplane.Client, error) {
			c := controlplane.NewClient(addr, cb,
				time.Duration(cfg.BangCadenceMs)*time.Millisecond,
				time.Duration(cfg.ConnectionLostMs)*time.Millisecond)
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		},
		BindStream: dialUDPStream,
	}

	m := session.New(deps, sessionConfig(cfg), func(ev session.Event) {
		bus.Publish(eventbus.Message{
			Kind:    ev.Kind,
			State:   string(ev.State),
			Quit:    string(ev.Quit),
			Message: ev.Message,
		})
		log.Info("session event", "kind", ev.Kind, "state", ev.State)
	})

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
		m.Stop()
	}()

	decoder := func(payload []byte, lost, recovered uint32) feeder.DecodeResult {
		return feeder.DecodeOK
	}

	if err := m.Connect(ctx, ip, parseTarget(), cfg.AccountIDB64, decoder); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
}

func runStatus() {
	cfg := loadConfig()
	cache := openCache(cfg)
	stats := cache.Stats()
	fmt.Printf("cached registrations: %d\n", stats.Entries)
}
