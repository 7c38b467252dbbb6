package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Set at build time through -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFiles  []string
	logLevel  string
	logFormat string

	log = logrus.New()
)

func main() {
	log.SetOutput(os.Stdout)

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Command failed")
	}
}

var rootCmd = &cobra.Command{
	Use:   "engine-controller",
	Short: "Schedules queued test runs onto engine workers",
	Long: `Engine controller claims queued test runs from the shared status store
and launches one engine worker per run on Kubernetes, Docker or Podman.
Several controllers may share one store; each run is claimed by exactly one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogger(log, logLevel, logFormat)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "engine-controller %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&cfgFiles, "config", nil,
		"config file path (can be repeated; later files override earlier ones)")
	flags.StringVar(&logLevel, "log-level", config.DefaultLogLevel,
		"log level ("+strings.Join(logLevels(), ", ")+")")
	flags.StringVar(&logFormat, "log-format", config.DefaultLogFormat,
		"log output format ("+config.LogFormatText+", "+config.LogFormatJSON+")")

	rootCmd.AddCommand(versionCmd)
}

// configureLogger sets the level and output format of l. The json
// format writes the timestamp under "ts".
func configureLogger(l *logrus.Logger, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case config.LogFormatText:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case config.LogFormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
	default:
		return fmt.Errorf("invalid log format %q, want %s or %s", format, config.LogFormatText, config.LogFormatJSON)
	}

	l.SetLevel(lvl)

	return nil
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}
