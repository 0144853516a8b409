package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/ipc"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/ui"
	"github.com/spf13/cobra"
)

var (
	statusWidth  int
	topRefresh   time.Duration
	clientSocket string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show devices, grabs and selections of the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newIPCClient()
		if err != nil {
			return err
		}

		st, err := client.State()
		if errors.Is(err, ipc.ErrNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), ui.ErrorStyle.Render(ui.IconError+" xigrab server is not running"))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get server state: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderState(st, statusWidth))
		return nil
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live view of devices and clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newIPCClient()
		if err != nil {
			return err
		}
		return ui.RunTop(client.State, client.BreakGrabs, topRefresh)
	},
}

var breakCmd = &cobra.Command{
	Use:   "break",
	Short: "Break every active grab on the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newIPCClient()
		if err != nil {
			return err
		}
		n, err := client.BreakGrabs()
		if err != nil {
			return fmt.Errorf("failed to break grabs: %w", err)
		}
		logger.Infof("Released %d grab(s)", n)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVarP(&statusWidth, "width", "w", 80, "Width of window panels")
	topCmd.Flags().DurationVarP(&topRefresh, "refresh", "r", ui.DefaultRefresh, "Poll interval")

	for _, c := range []*cobra.Command{statusCmd, topCmd, breakCmd, injectCmd} {
		c.Flags().StringVarP(&clientSocket, "socket", "s", "", "Socket path of the running server")
		rootCmd.AddCommand(c)
	}
}

// newIPCClient resolves the socket from the flag, then the config file, then
// the per-user default.
func newIPCClient() (*ipc.Client, error) {
	path := clientSocket
	if path == "" {
		path = config.Get().Server.SocketPath
	}
	if path != "" {
		return ipc.NewClientAt(path), nil
	}
	return ipc.NewClient()
}
