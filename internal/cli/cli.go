// Package cli provides the mbraced command line interface: booting a
// deployment from a YAML config, querying it, and killing processes.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mysl/mbrace/internal/metrics"
	"github.com/mysl/mbrace/internal/node"
	"github.com/mysl/mbrace/pkg/types"
)

// Config is the daemon configuration file.
type Config struct {
	Node struct {
		ID          string `yaml:"id"`
		Listen      string `yaml:"listen"`
		MetricsPort int    `yaml:"metrics_port"`
	} `yaml:"node"`

	Cluster struct {
		Replicas           int `yaml:"replicas"`
		Workers            int `yaml:"workers"`
		WorkerSlots        int `yaml:"worker_slots"`
		ReplicationFactor  int `yaml:"replication_factor"`
		FailoverFactor     int `yaml:"failover_factor"`
		BroadcastTimeoutMs int `yaml:"broadcast_timeout_ms"`
	} `yaml:"cluster"`

	Records struct {
		Path string `yaml:"path"`
	} `yaml:"records"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

var configFile string

// BuildCLI assembles the mbraced command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mbraced",
		Short: "mbraced: a distributed task-execution runtime node",
		Long: `mbraced hosts one node of an mbrace deployment:
- quorum-replicated task log with worker-failure recovery
- per-process schedulers and task managers
- JSON-RPC admin and client surface
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildKillCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Boot this node as a deployment master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
}

func runNode() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(nil)

	cluster, err := NewCluster(ClusterConfig{
		NodeID:            cfg.Node.ID,
		Replicas:          cfg.Cluster.Replicas,
		Workers:           cfg.Cluster.Workers,
		WorkerSlots:       cfg.Cluster.WorkerSlots,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		FailoverFactor:    cfg.Cluster.FailoverFactor,
		BroadcastTimeout:  time.Duration(cfg.Cluster.BroadcastTimeoutMs) * time.Millisecond,
		RecordPath:        cfg.Records.Path,
		Metrics:           collector,
	})
	if err != nil {
		return fmt.Errorf("wire cluster: %w", err)
	}

	// Mirror logs into the dump ring served by GetLogDump.
	slog.SetDefault(slog.New(node.NewRingHandler(cluster.Ring, slog.Default().Handler())))

	cluster.Start()
	defer cluster.Stop()

	if err := cluster.Node.MasterBoot(types.Configuration{
		Nodes:             cluster.Pool.All(),
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		FailoverFactor:    cfg.Cluster.FailoverFactor,
	}); err != nil {
		return fmt.Errorf("master boot: %w", err)
	}

	listen := cfg.Node.Listen
	if listen == "" {
		listen = ":7700"
	}
	server := node.NewServer(listen, node.NewHandle(cluster.Node, cluster.Pool, cluster.Processes))
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	if cfg.Node.MetricsPort > 0 {
		go func() {
			if err := metrics.StartServer(cfg.Node.MetricsPort); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	slog.Info("node started", "listen", listen, "workers", cfg.Cluster.Workers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", "signal", sig)
	case <-cluster.Node.ShutdownRequested():
		slog.Info("shutdown requested over RPC")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Close(ctx)
}

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show deployment and process status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, closer, err := node.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer closer()

			info, err := client.GetNodeDeploymentInfo(ctx)
			if err != nil {
				return fmt.Errorf("deployment info: %w", err)
			}
			fmt.Printf("deployment %s  node %s (%s)  uptime %s  members %d\n",
				info.DeploymentID, info.NodeID, info.Type, info.Uptime.Round(time.Second), len(info.Nodes))

			processes, err := client.GetAllProcessInfo(ctx)
			if err != nil {
				return fmt.Errorf("process info: %w", err)
			}
			if len(processes) == 0 {
				fmt.Println("no processes")
				return nil
			}
			for _, p := range processes {
				fmt.Printf("%s  %-20s %-12s tasks=%d workers=%d\n",
					p.ID, p.Name, p.State, p.Tasks, p.Workers)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:7700/rpc/v0", "node RPC address")
	return cmd
}

func buildKillCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "kill <process-id>",
		Short: "Kill a running process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client, closer, err := node.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer closer()

			if err := client.KillProcess(ctx, types.ProcessID(args[0])); err != nil {
				return fmt.Errorf("kill process: %w", err)
			}
			fmt.Printf("process %s killed\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:7700/rpc/v0", "node RPC address")
	return cmd
}
