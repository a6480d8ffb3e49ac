package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"vr-replication/internal/host"
	"vr-replication/internal/kv"
)

const envPrefix = "VR"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "vr",
		Short:         "Viewstamped Replication of a key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd.Flags())
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.StringSlice("replicas", []string{"127.0.0.1:8001", "127.0.0.1:8002", "127.0.0.1:8003"}, "Addresses of every replica, in replica number order")
	flags.String("transport", string(host.UDP), "Wire transport: udp or grpc")
	flags.Duration("retransmit-timeout", host.DefaultConfig().RetransmitTimeout, "Delay before an unacknowledged message is sent again")
	flags.Bool("debug", false, "Log protocol messages")

	root.AddCommand(newReplicaCommand(v), newClientCommand(v))
	return root
}

func newReplicaCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run one replica of the group",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger, err := newLogger(v, fmt.Sprintf("replica-%d", v.GetInt("number")))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			config := baseConfig(v, logger)
			config.ReplicaNumber = v.GetInt("number")
			config.Recovering = v.GetBool("recovering")
			config.CommitDelay = v.GetDuration("commit-delay")
			config.DirectoryPath = v.GetString("directory")
			config.MetricsAddr = v.GetString("metrics-addr")

			node, err := host.NewReplicaNode(config)
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				return err
			}

			waitForSignal()
			logger.Info("Shutting down")
			report := node.Metrics().GetReport(len(config.Replicas))
			report.PrintReport(os.Stdout)
			return node.Stop()
		},
	}

	flags := cmd.Flags()
	flags.Int("number", 0, "This replica's index in --replicas")
	flags.Bool("recovering", false, "Start in the recovering status after a crash")
	flags.Duration("commit-delay", host.DefaultConfig().CommitDelay, "Heartbeat period of the primary")
	flags.String("directory", "", "bbolt file remembering client addresses (in memory when empty)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func newClientCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Increment a key once per interval and report the value",
		RunE: func(_ *cobra.Command, _ []string) error {
			clientID := v.GetString("id")
			if clientID == "" {
				clientID = uuid.NewString()
			}
			logger, err := newLogger(v, "client-"+clientID)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			config := baseConfig(v, logger)
			config.ClientID = clientID
			config.BindAddr = v.GetString("bind")
			config.RequestTimeout = v.GetDuration("request-timeout")

			node, err := host.NewClientNode(config)
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			runClient(ctx, node, logger, kv.Command{Op: kv.Increment, Key: v.GetString("key"), Value: v.GetInt("increment")}, v.GetDuration("interval"))

			logger.Info("Shutting down")
			report := node.Metrics().GetReport(len(config.Replicas))
			report.PrintReport(os.Stdout)
			return node.Stop()
		},
	}

	flags := cmd.Flags()
	flags.String("id", "", "Client id (random when empty)")
	flags.String("bind", "127.0.0.1:9001", "Address replies are sent to")
	flags.Duration("request-timeout", host.DefaultConfig().RequestTimeout, "Delay before a request is broadcast to every replica")
	flags.String("key", "key", "Key to increment")
	flags.Int("increment", 10, "Amount added per request")
	flags.Duration("interval", time.Second, "Delay between requests")
	return cmd
}

// runClient submits cmd once per interval until ctx is done. A request still unanswered when the next tick fires is
// waited for, so there is never more than one outstanding.
func runClient(ctx context.Context, node *host.ClientNode, logger *zap.SugaredLogger, cmd kv.Command, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		started := time.Now()
		result, err := node.Submit(ctx, cmd)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			logger.Warnw("Request failed", "error", err)
		case !result.Success():
			logger.Warnw("Request rejected", "error", result.Error)
		default:
			logger.Infow("Request executed", "key", cmd.Key, "value", *result.Value, "latency", time.Since(started))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func loadConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return nil
}

func baseConfig(v *viper.Viper, logger *zap.SugaredLogger) *host.Config {
	config := host.DefaultConfig()
	config.Replicas = v.GetStringSlice("replicas")
	config.Transport = host.TransportKind(v.GetString("transport"))
	config.RetransmitTimeout = v.GetDuration("retransmit-timeout")
	config.Logger = logger
	return config
}

func newLogger(v *viper.Viper, name string) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	if v.GetBool("debug") {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named(name).Sugar(), nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
