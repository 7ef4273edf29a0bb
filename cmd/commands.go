package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"controlplane/config"
	"controlplane/etcd"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newRootCommand() *cobra.Command {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "controlplane",
		Short:         "SDN routing control loop with policy-driven path selection",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			setupLogging(cfg.Log)
			ctx, cancel := signalContext()
			defer cancel()
			return run(ctx, cfg)
		},
	}
	bindGlobalFlags(root.PersistentFlags(), &configPath, &logLevel)
	root.AddCommand(newOverrideCommand(&configPath))
	return root
}

// newOverrideCommand submits a path override through etcd and prints the
// controller's answer.
func bindGlobalFlags(fs *pflag.FlagSet, configPath, logLevel *string) {
	fs.StringVarP(configPath, "config", "c", config.DefaultPath, "path to the TOML configuration file")
	fs.StringVar(logLevel, "log-level", "", "override [log] level (debug, info, warn, error)")
}

func newOverrideCommand(configPath *string) *cobra.Command {
	var (
		src, dst string
		path     string
		shortest bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Force a flow onto a path through the etcd task prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			hops, err := parsePath(path)
			if err != nil {
				return err
			}
			taskType := etcd.TaskForcePath
			if shortest {
				taskType = etcd.TaskForceShortestPath
			}

			ecfg := etcdConfig(cfg)
			client, err := etcd.Connect(ecfg)
			if err != nil {
				return err
			}
			defer client.Close()

			task := etcd.NewOverrideTask(taskType, src, dst, hops)
			result, err := etcd.SubmitOverride(cmd.Context(), client, ecfg, task, timeout)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if result.Error != "" {
				return fmt.Errorf("override failed: %s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&src, "src", "", "source host IPv4 address")
	cmd.Flags().StringVar(&dst, "dst", "", "destination host IPv4 address")
	cmd.Flags().StringVar(&path, "path", "", "comma separated switch ids, e.g. 1,5,4")
	cmd.Flags().BoolVar(&shortest, "shortest", false, "install the shortest path instead")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the controller")
	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")
	return cmd
}

func parsePath(s string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad switch id %q in path", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func etcdConfig(cfg *config.Config) etcd.EtcdConfig {
	return etcd.EtcdConfig{
		Endpoints:      cfg.Etcd.Endpoints,
		DialTimeout:    cfg.Etcd.DialTimeout.Duration,
		RequestTimeout: cfg.Etcd.RequestTimeout.Duration,
		Prefix:         cfg.Etcd.Prefix,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
