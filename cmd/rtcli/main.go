package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"relaywire.io/realtime"
	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/logger"
)

type globalFlags struct {
	configPath string
	logLevel   string
	verbose    bool
	timeout    time.Duration
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rtcli",
		Short: "Talk to the realtime service from a terminal",
		Long: `rtcli connects to the realtime service with the credentials from its config file
or REALTIME_* environment variables, and lets you subscribe to, publish on and
inspect channels.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a yaml config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Overrides the configured log level")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log to stderr")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 15*time.Second, "How long to wait for the connection")

	rootCmd.AddCommand(
		subscribeCmd(flags),
		publishCmd(flags),
		presenceCmd(flags),
		historyCmd(flags),
		pingCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// connect builds a client from the config and waits for it to be connected.
// The returned func closes it.
func connect(ctx context.Context, flags *globalFlags) (*realtime.Client, func(), error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	cfg.AutoConnect = true

	logConfig := &logger.Config{
		FilePath: cfg.LogFilePath,
		Level:    logger.Level(cfg.LogLevel),
	}
	if flags.verbose {
		logConfig.ConsoleWriters = append(logConfig.ConsoleWriters, os.Stderr)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		return nil, nil, err
	}

	client, err := realtime.New(realtime.Options{Config: cfg}, log)
	if err != nil {
		return nil, nil, err
	}

	closeClient := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), flags.timeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Errorf("failed to close connection: %s", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	state, err := client.Connection().WaitFor(waitCtx, connection.StateConnected, connection.StateFailed, connection.StateSuspended)
	if err == nil && state != connection.StateConnected {
		if reason := client.Connection().ErrorReason(); reason != nil {
			err = reason
		} else {
			err = fmt.Errorf("connection is %s", state)
		}
	}
	if err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	return client, closeClient, nil
}

// interruptible is cancelled on SIGINT or SIGTERM
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to print %T: %s\n", v, err)
		return
	}
	fmt.Println(string(data))
}
