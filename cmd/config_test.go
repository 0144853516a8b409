package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bnema/xigrab/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xigrab.toml")
	viper.Reset()
	defer config.SetConfigPath("")

	t.Run("creates config file when it doesn't exist", func(t *testing.T) {
		if err := executeCommand(rootCmd, "config", "init", "--config", path); err != nil {
			t.Errorf("config init failed: %v", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("Config file was not created")
		}
	})

	t.Run("overwrites with force flag", func(t *testing.T) {
		viper.Reset()
		if err := os.WriteFile(path, []byte("[logging]\nlog_level = \"warn\"\n"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := executeCommand(rootCmd, "config", "init", "--force", "--config", path); err != nil {
			t.Errorf("config init --force failed: %v", err)
		}

		content, _ := os.ReadFile(path)
		if !strings.Contains(string(content), "root_window") {
			t.Errorf("Config file was not overwritten:\n%s", content)
		}
	})
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xigrab.toml")
	viper.Reset()
	defer config.SetConfigPath("")

	t.Run("shows default config when no file exists", func(t *testing.T) {
		if err := executeCommand(rootCmd, "config", "show", "--config", path); err != nil {
			t.Errorf("config show failed: %v", err)
		}
	})
}

func TestConfigDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xigrab.toml")
	viper.Reset()
	defer config.SetConfigPath("")

	t.Run("adds a slave device", func(t *testing.T) {
		err := executeCommand(rootCmd, "config", "device", "add", "4", "stylus", "slave-pointer",
			"--caps", "pointer,valuator", "--attached", "2", "--config", path)
		if err != nil {
			t.Fatalf("device add failed: %v", err)
		}

		found := false
		for _, d := range config.Get().Devices {
			if d.ID == 4 && d.Name == "stylus" && d.Attached == 2 && len(d.Caps) == 2 {
				found = true
			}
		}
		if !found {
			t.Errorf("device 4 missing from %+v", config.Get().Devices)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected config to be saved: %v", err)
		}
	})

	t.Run("rejects unknown use", func(t *testing.T) {
		err := executeCommand(rootCmd, "config", "device", "add", "5", "pen", "tablet", "--config", path)
		if err == nil || !contains(err.Error(), "unknown use") {
			t.Errorf("Expected unknown use error, got %v", err)
		}
	})

	t.Run("rejects unknown capability", func(t *testing.T) {
		err := executeCommand(rootCmd, "config", "device", "add", "5", "pen", "floating",
			"--caps", "laser", "--config", path)
		if err == nil || !contains(err.Error(), "laser") {
			t.Errorf("Expected capability error, got %v", err)
		}
	})

	t.Run("lists devices", func(t *testing.T) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		defer rootCmd.SetOut(nil)

		if err := executeCommand(rootCmd, "config", "device", "list", "--config", path); err != nil {
			t.Fatalf("device list failed: %v", err)
		}
		for _, s := range []string{"Virtual core pointer", "stylus", "pointer,valuator"} {
			if !contains(out.String(), s) {
				t.Errorf("device list missing %q:\n%s", s, out.String())
			}
		}
	})

	t.Run("removes the device", func(t *testing.T) {
		if err := executeCommand(rootCmd, "config", "device", "remove", "4", "--config", path); err != nil {
			t.Fatalf("device remove failed: %v", err)
		}
		for _, d := range config.Get().Devices {
			if d.ID == 4 {
				t.Error("device 4 still configured")
			}
		}
	})
}

func executeCommand(root *cobra.Command, args ...string) error {
	root.SetArgs(args)
	return root.Execute()
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
