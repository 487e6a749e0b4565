package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/cloud-scan/cloudscan-lens/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	v          = config.New()
	cfg        *config.Config
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "cloudscan-lens",
	Short: "Run static analyzers on source files and surface their findings",
	Long: `cloudscan-lens runs cppcheck, bandit and other analyzers on C, C++ and
Python files, merges their findings into one result per file and offers
quick fixes for the findings it knows how to repair.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// exitCode carries a process exit status out of a command
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func main() {
	rootCmd.Version = version

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default .cloudscan-lens.{yaml,toml,json} in . or $HOME)")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	flags.String("log-format", "json", "log format (json|text)")
	flags.Int("max-processes", 0, "maximum number of concurrently running analyzers")
	flags.Duration("timeout", 0, "default per-analyzer timeout")
	flags.String("fix-rules", "", "fix rule file path or http(s) URL")
	flags.String("color", "auto", "colorize output (auto|on|off)")
	bindFlag(v, "log_level", "log-level")
	bindFlag(v, "log_format", "log-format")
	bindFlag(v, "max_processes", "max-processes")
	bindFlag(v, "default_timeout", "timeout")
	bindFlag(v, "fix_rules", "fix-rules")

	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func bindFlag(v *viper.Viper, key, flag string) {
	_ = v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	loaded.SetupLogging()
	cfg = loaded

	mode, err := cmd.Flags().GetString("color")
	if err != nil {
		return err
	}
	switch mode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	case "auto":
		color.NoColor = !isTerminal(os.Stdout)
	default:
		return fmt.Errorf("invalid --color value %q", mode)
	}

	log.WithFields(log.Fields{
		"version": version,
		"command": cmd.Name(),
	}).Debug("Starting cloudscan-lens")
	return nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
