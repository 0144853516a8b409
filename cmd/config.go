package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/server"
	"github.com/bnema/xigrab/internal/setup"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage xigrab configuration",
	Long:  `Manage xigrab configuration including the startup devices and windows.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()

		logger.Info("Current Configuration:")
		logger.Infof("Config file: %s\n", config.GetConfigPath())

		logger.Info("[Server]")
		socket := cfg.Server.SocketPath
		if socket == "" {
			socket = "(per-user default)"
		}
		logger.Infof("  Socket: %s", socket)
		logger.Infof("  Max Clients: %d", cfg.Server.MaxClients)
		logger.Infof("  Outbound Queue: %d", cfg.Server.OutboundQueue)
		logger.Infof("  Event Log: %v", cfg.Server.EventLog)
		logger.Infof("  Root Window: 0x%x", cfg.Server.RootWindow)
		logger.Infof("  Release File: %s", cfg.Server.ReleaseFile)

		logger.Info("\n[Logging]")
		logger.Infof("  Log Level: %s", cfg.Logging.LogLevel)

		logger.Info("\n[Monitor]")
		if cfg.Monitor.SSHAddress == "" {
			logger.Info("  SSH: disabled")
		} else {
			logger.Infof("  SSH Address: %s", cfg.Monitor.SSHAddress)
			logger.Infof("  SSH Host Key: %s", config.GetSSHHostKeyPath())
			logger.Infof("  SSH Whitelist Only: %v", cfg.Monitor.SSHWhitelistOnly)
			for _, fp := range cfg.Monitor.SSHWhitelist {
				logger.Infof("    - %s", fp)
			}
			logger.Infof("  Allow Break: %v", cfg.Monitor.AllowBreak)
		}

		logger.Info("\n[Devices]")
		if err := writeDevices(cmd, cfg.Devices); err != nil {
			return err
		}

		if len(cfg.Windows) > 0 {
			logger.Info("\n[Windows]")
			for _, w := range cfg.Windows {
				logger.Infof("  0x%x parent 0x%x viewable %v", w.ID, w.Parent, w.Viewable)
			}
		}
		return nil
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save current configuration to file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(); err != nil {
			return err
		}
		logger.Infof("Configuration saved to: %s", config.GetConfigPath())
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			logger.Infof("Configuration file already exists at: %s", configPath)
			logger.Info("Use --force to overwrite")

			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return nil
			}
		}

		if err := config.Save(); err != nil {
			return err
		}

		logger.Infof("Configuration initialized at: %s", configPath)
		logger.Info("\nYou can now:")
		logger.Info("  - Edit the configuration file directly")
		logger.Info("  - Use 'xigrab config device add' to add devices")
		logger.Info("  - Use 'xigrab config show' to view current settings")
		return nil
	},
}

var configDeviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage startup devices",
}

var configDeviceAddCmd = &cobra.Command{
	Use:   "add <id> <name> <use>",
	Short: "Add or replace a device",
	Long: `Add or replace a device. Use is one of master-pointer, master-keyboard,
slave-pointer, slave-keyboard or floating.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint16
		if _, err := fmt.Sscan(args[0], &id); err != nil {
			return fmt.Errorf("invalid device id %q", args[0])
		}

		caps, _ := cmd.Flags().GetStringSlice("caps")
		paired, _ := cmd.Flags().GetUint16("paired")
		attached, _ := cmd.Flags().GetUint16("attached")

		dev := config.DeviceConfig{
			ID:       id,
			Name:     args[1],
			Use:      args[2],
			Caps:     caps,
			Paired:   paired,
			Attached: attached,
		}
		if err := validateDevice(dev); err != nil {
			return err
		}
		if err := config.AddDevice(dev); err != nil {
			return fmt.Errorf("failed to add device: %w", err)
		}

		logger.Infof("Device %d (%s) saved to %s", id, dev.Name, config.GetConfigPath())
		return nil
	},
}

var configDeviceNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Add a device interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := setup.NewDeviceSetup(config.Get().Devices).Run()
		if err != nil {
			return err
		}
		if err := config.AddDevice(dev); err != nil {
			return fmt.Errorf("failed to add device: %w", err)
		}
		logger.Infof("Device %d (%s) saved to %s", dev.ID, dev.Name, config.GetConfigPath())
		return nil
	},
}

var configDeviceRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id uint16
		if _, err := fmt.Sscan(args[0], &id); err != nil {
			return fmt.Errorf("invalid device id %q", args[0])
		}
		if err := config.RemoveDevice(id); err != nil {
			return err
		}
		logger.Infof("Device %d removed", id)
		return nil
	},
}

var configDeviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List startup devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeDevices(cmd, config.Get().Devices)
	},
}

// validateDevice rejects use and capability names the server cannot build.
func validateDevice(dc config.DeviceConfig) error {
	_, err := server.DeviceFromConfig(dc)
	return err
}

func writeDevices(cmd *cobra.Command, devices []config.DeviceConfig) error {
	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "  (none)")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(w, "  ID\tName\tUse\tCaps\tPaired\tAttached"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, d := range devices {
		name := d.Name
		if d.Disabled {
			name += " (disabled)"
		}
		if _, err := fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%d\t%d\n",
			d.ID, name, d.Use, strings.Join(d.Caps, ","), d.Paired, d.Attached); err != nil {
			return fmt.Errorf("failed to write device %d: %w", d.ID, err)
		}
	}
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSaveCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configDeviceCmd)

	configDeviceCmd.AddCommand(configDeviceAddCmd)
	configDeviceCmd.AddCommand(configDeviceNewCmd)
	configDeviceCmd.AddCommand(configDeviceRemoveCmd)
	configDeviceCmd.AddCommand(configDeviceListCmd)

	configInitCmd.Flags().Bool("force", false, "Force overwrite existing configuration")
	configDeviceAddCmd.Flags().StringSlice("caps", nil, "Capabilities: pointer, keyboard, valuator, touch")
	configDeviceAddCmd.Flags().Uint16("paired", 0, "Paired master device id")
	configDeviceAddCmd.Flags().Uint16("attached", 0, "Master the slave is attached to")
}
