package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	_ "go.uber.org/automaxprocs"
)

const (
	appName = "arcmq"
	version = "v0.4.0"
)

func main() {
	// A missing .env is fine, the environment still applies.
	godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "arcmq is a clustered MQTT broker core with archiving",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one broker node",
		Long: `Run one broker node: session handling, delivery, retained messages,
archive groups, the device bridge, and the ops endpoint. With --cluster the
node joins the shared bus and coordinates through cluster locks.`,
		RunE: runServe,
	}
	registerServeFlags(serveCmd.Flags())

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func registerServeFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to the YAML configuration file")
	fs.Bool("cluster", false, "Join the cluster fabric instead of running single-node")
	fs.String("log-level", "", "Override the configured log level (trace|debug|info|warn|error)")
}
