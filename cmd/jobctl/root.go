package main

import (
	"fmt"

	jobs "github.com/UniQw/uniqw-jobs"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	cfgPath  string
	redisURL string
	logMode  string
	debug    bool

	cfg *Config
	log *zap.Logger
	rdb *redis.Client
	cli *jobs.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Run background job workers and inspect their queues",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&a.redisURL, "redis", "", "Redis address (overrides config and REDIS_ADDR)")
	root.PersistentFlags().StringVar(&a.logMode, "log-mode", "", "Log mode: dev or prod")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		workerCmd(a),
		submitCmd(a),
		getCmd(a),
		listCmd(a),
		retryCmd(a),
		deleteCmd(a),
		watchCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := loadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	if a.redisURL != "" {
		cfg.Redis.Addr = a.redisURL
	}
	if a.logMode != "" {
		cfg.LogMode = a.logMode
	}
	log, err := newLogger(cfg.LogMode, a.debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.cfg = cfg
	a.log = log
	a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})

	opts := make([]jobs.ClientOption, 0, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		opts = append(opts, jobs.WithQueueConfig(name, qc))
	}
	a.cli = jobs.NewClient(a.rdb, opts...)
	return nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
