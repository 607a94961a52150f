package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chriscow/realtime-voice-go/internal/logging"
	"github.com/chriscow/realtime-voice-go/pkg/config"
	"github.com/chriscow/realtime-voice-go/pkg/plugin"
	_ "github.com/chriscow/realtime-voice-go/pkg/plugin/fake" // Import to register fake plugins
	"github.com/chriscow/realtime-voice-go/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "rtvoice",
	Short: "Realtime voice turn-taking engine",
	Long: `rtvoice drives a realtime voice conversation: it decides when the user is
speaking, commits finished turns to a realtime model session and plays the
streamed reply, stopping it when the user interrupts.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration (file, then environment)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Plugin commands",
}

var pluginListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List registered plugins",
	Long: `List all registered plugins or plugins of a specific kind.
Available kinds: channel, detector`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}

		plugins := plugin.List(kind)
		out := cmd.OutOrStdout()
		if len(plugins) == 0 {
			if kind == "" {
				fmt.Fprintln(out, "No plugins registered")
			} else {
				fmt.Fprintf(out, "No plugins registered for kind: %s\n", kind)
			}
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tVERSION\tDESCRIPTION")
		for _, p := range plugins {
			v := p.Version
			if v == "" {
				v = "N/A"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Kind, p.Name, v, p.Description)
		}
		return w.Flush()
	},
}

var pluginLoadCmd = &cobra.Command{
	Use:   "load [dir]",
	Short: "Load dynamic plugins (.so) from a directory",
	Long: `Load .so plugins that export RegisterPlugins() error. The directory
defaults to $` + plugin.PluginPathEnv + `, then ` + plugin.DefaultPluginDir + `.
Requires a linux build with -tags=plugindyn.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		defer logger.Sync()

		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		n, err := plugin.LoadDynamicPlugins(dir, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d plugin(s)\n", n)
		return nil
	},
}

// loadConfig reads --config and applies --log-level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logging.Must(cfg.LogLevel).With(zap.String("service", "rtvoice"))
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")

	addSimulateFlags(simulateCmd)

	configCmd.AddCommand(configPrintCmd, configValidateCmd)
	pluginCmd.AddCommand(pluginListCmd, pluginLoadCmd)
	rootCmd.AddCommand(versionCmd, configCmd, pluginCmd, simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
