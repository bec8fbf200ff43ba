package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chronologos/spr16/internal/config"
	"github.com/chronologos/spr16/internal/version"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logFile    string
	verbose    bool
}

func main() {
	var gf globalFlags

	rootCmd := &cobra.Command{
		Use:   "spr16d",
		Short: "spr16d - shared-memory sprite display server",
		Long: `spr16d owns a framebuffer and composites client sprites into it.
Clients connect over a Unix socket, render into shared memory and report
damaged rectangles; keyboard, mouse and touch input is routed to the
focused client.`,
		Version:       fmt.Sprintf("%s (%s)", version.VERSION, version.Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(gf)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&gf.logFile, "log-file", "", "append logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVarP(&gf.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newServeCommand(&gf))
	rootCmd.AddCommand(newDevicesCommand(&gf))
	rootCmd.AddCommand(newDemoCommand(&gf))
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("spr16d %s (%s)\n", version.VERSION, version.Commit)
		},
	}
}

// setup loads configuration and builds the root logger. The returned
// closer releases the log file, if any.
func setup(gf globalFlags) (config.Config, *logrus.Entry, io.Closer, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	log := logrus.New()
	if gf.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	var closer io.Closer = nopCloser{}
	if gf.logFile != "" {
		f, err := os.OpenFile(gf.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open log file %s: %v\n", gf.logFile, err)
		} else {
			log.SetOutput(f)
			log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
			closer = f
		}
	}
	if gf.logFile == "" {
		log.SetFormatter(&logrus.TextFormatter{
			ForceColors:   term.IsTerminal(int(os.Stderr.Fd())),
			DisableColors: !term.IsTerminal(int(os.Stderr.Fd())),
			FullTimestamp: true,
		})
	}
	return cfg, logrus.NewEntry(log), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
