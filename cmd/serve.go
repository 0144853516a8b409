package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/ipc"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/network"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/server"
	"github.com/bnema/xigrab/internal/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	socketFlag string
	eventLog   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the xigrab server",
	Long: `Run the xigrab server. Devices and windows listed in the config file are
created at startup, then clients connect on the Unix socket. Touching the
release file or sending SIGUSR1 breaks every active grab.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&socketFlag, "socket", "s", "", "Socket path")
	serveCmd.Flags().BoolVar(&eventLog, "event-log", false, "Log every routed event at debug level")

	viper.BindPFlag("server.socket_path", serveCmd.Flags().Lookup("socket"))
	viper.BindPFlag("server.event_log", serveCmd.Flags().Lookup("event-log"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The socket server is the deliverer but needs the core to exist first.
	var sock *ipc.SocketServer
	out := router.DelivererFunc(func(client protocol.ClientID, d router.Delivery) {
		if sock != nil {
			sock.DeliverEvent(client, d)
		}
	})

	srv, err := server.New(cfg, server.NewMonotonicClock(), out)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	sock, err = ipc.NewSocketServer(srv, cfg.Server.SocketPath, cfg.Server.OutboundQueue)
	if err != nil {
		return fmt.Errorf("failed to create socket server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	if err := sock.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to start socket server: %w", err)
	}
	logger.Infof("Listening on %s", sock.SocketPath())
	logger.Infof("Config file: %s", config.GetConfigPath())

	var monitor *network.SSHServer
	if cfg.Monitor.SSHAddress != "" {
		monitor = network.NewSSHServer(cfg.Monitor, config.GetSSHHostKeyPath(), coreState(srv), coreBreak(srv))
		if err := monitor.Start(ctx); err != nil {
			sock.Stop()
			srv.Stop()
			return fmt.Errorf("failed to start SSH monitor: %w", err)
		}
	}

	reloads := make(chan *config.Config, 1)
	config.Watch(func(c *config.Config) {
		select {
		case reloads <- c:
		default:
		}
	}, func(err error) {
		logger.Warnf("Ignoring config change: %v", err)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-reloads:
				applyReload(srv, cfg, c)
				cfg = c
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		if monitor != nil {
			monitor.Stop()
		}
		sock.Stop()
		srv.Stop()
		return nil
	})
	return g.Wait()
}

// coreState snapshots the in-process core for the SSH monitor.
func coreState(srv *server.Server) ui.StateFunc {
	return func() (*server.State, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var st server.State
		if err := srv.Do(ctx, func(c *server.Core) { st = c.Snapshot() }); err != nil {
			return nil, err
		}
		return &st, nil
	}
}

func coreBreak(srv *server.Server) ui.BreakFunc {
	return func() (int, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var n int
		if err := srv.Do(ctx, func(c *server.Core) { n = c.BreakGrabs() }); err != nil {
			return 0, err
		}
		return n, nil
	}
}

// applyReload applies what can change without a restart and warns about the
// rest.
func applyReload(srv *server.Server, old, next *config.Config) {
	logger.SetLevel(next.Logging.LogLevel)
	logger.Infof("Config reloaded, log level %q", next.Logging.LogLevel)

	toggles, restart := deviceToggles(old.Devices, next.Devices)
	if len(toggles) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Do(ctx, func(c *server.Core) {
			for id, enabled := range toggles {
				if err := c.SetDeviceEnabled(protocol.DeviceID(id), enabled); err != nil {
					logger.Warnf("Device %d: %v", id, err)
					continue
				}
				logger.Infof("Device %d enabled=%v", id, enabled)
			}
		})
		if err != nil {
			logger.Errorf("Failed to apply device changes: %v", err)
		}
	}

	if restart || !reflect.DeepEqual(old.Windows, next.Windows) {
		logger.Warn("Device and window changes take effect on the next restart")
	}
	if old.Server != next.Server || !reflect.DeepEqual(old.Monitor, next.Monitor) {
		logger.Warn("Server settings take effect on the next restart")
	}
}

// deviceToggles returns the devices whose only change is the disabled flag,
// mapped to their new enabled state. restart reports any other device change.
func deviceToggles(old, next []config.DeviceConfig) (toggles map[uint16]bool, restart bool) {
	if len(old) != len(next) {
		return nil, true
	}
	prev := make(map[uint16]config.DeviceConfig, len(old))
	for _, d := range old {
		prev[d.ID] = d
	}
	toggles = make(map[uint16]bool)
	for _, d := range next {
		p, ok := prev[d.ID]
		if !ok {
			return nil, true
		}
		enabled := !d.Disabled
		p.Disabled = d.Disabled
		if !reflect.DeepEqual(p, d) {
			return nil, true
		}
		if prev[d.ID].Disabled != d.Disabled {
			toggles[d.ID] = enabled
		}
	}
	return toggles, false
}
