// ============================================================================
// jobd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running a job node and talking to one
//
// Command Structure:
//   jobd                           # Root command
//   ├── run                        # Start a job node
//   ├── queue <job_key>            # Queue a job on a running node
//   │   ├── --arg k=v              # Job argument (JSON values are decoded)
//   │   ├── --unique k=v           # Unique constraint
//   │   └── --metadata k=v         # Job metadata
//   ├── status <id>                # Show one job status
//   ├── list                       # List job statuses
//   │   ├── --key, --state         # Filters
//   │   └── --limit
//   ├── filter                     # Print the receiver message filter
//   ├── --config, -c               # Config file (default: configs/jobd.yaml)
//   └── --server, -s               # Job service address for client commands
//
// run Command:
//   1. Load config and build the logger
//   2. Open the status store, broker and dead-letter sink
//   3. Build dispatcher, job manager and receiver; register built-in jobs
//   4. Serve the job service and /metrics (if enabled)
//   5. On SIGINT/SIGTERM stop receiving, drain the server and close resources
//
//   Examples:
//     ./jobd run
//     ./jobd run -c /etc/jobd.yaml
//     ./jobd queue sleep --arg duration_ms=500 --unique owner=acme
//     ./jobd list --state QUEUED --state RUNNING
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/candlepin-async/internal/config"
	"github.com/ChuLiYu/candlepin-async/internal/deadletter"
	"github.com/ChuLiYu/candlepin-async/internal/dispatcher"
	"github.com/ChuLiYu/candlepin-async/internal/jobdata"
	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/logging"
	"github.com/ChuLiYu/candlepin-async/internal/messaging"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/memory"
	"github.com/ChuLiYu/candlepin-async/internal/messaging/rabbitmq"
	"github.com/ChuLiYu/candlepin-async/internal/metrics"
	"github.com/ChuLiYu/candlepin-async/internal/receiver"
	"github.com/ChuLiYu/candlepin-async/internal/server"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/internal/tasks"
)

// Version is reported by --version
var Version = "dev"

const defaultConfigPath = "configs/jobd.yaml"

type globalOptions struct {
	configFile string
	serverAddr string
	principal  string
	timeout    time.Duration
}

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "jobd",
		Short: "jobd: an asynchronous job node",
		Long: `jobd queues and executes asynchronous jobs with:
- transactional dispatch over RabbitMQ or an in-process broker
- durable job statuses in SQLite or PostgreSQL
- retry, redelivery and dead-letter handling
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	flags.StringVarP(&opts.serverAddr, "server", "s", "localhost:50051", "job service address")
	flags.StringVar(&opts.principal, "principal", "jobd-cli", "principal recorded on queued jobs")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "client call timeout")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildQueueCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildListCommand(opts))
	rootCmd.AddCommand(buildFilterCommand(opts))

	return rootCmd
}

// loadConfig reads path. A missing file at the default location yields the
// defaults so that `jobd run` works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// ----------------------------------------------------------------------------
// run
// ----------------------------------------------------------------------------

func buildRunCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a job node",
		Long:  "Start the job manager, the message receiver and the job service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, logger)
		},
	}
}

// runNode runs a node until ctx ends or a server fails
func runNode(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.close()

	errCh, err := n.start()
	if err != nil {
		return err
	}
	logger.WithField("node", n.manager.NodeName()).Info("Job node started")

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
		return nil
	case err := <-errCh:
		return err
	}
}

// node holds the components of one running jobd process
type node struct {
	cfg *config.Config
	log logrus.FieldLogger

	store      store.Store
	broker     messaging.SessionFactory
	sink       deadletter.Sink
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	dispatcher *dispatcher.Dispatcher
	manager    *jobmanager.JobManager
	receiver   *receiver.Receiver
	server     *server.Server
	metricsSrv *metrics.Server
	listener   net.Listener
}

func newNode(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*node, error) {
	n := &node{cfg: cfg, log: logger.WithField("component", "jobd")}
	if err := n.build(ctx, logger); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) build(ctx context.Context, logger *logrus.Logger) error {
	cfg := n.cfg
	var err error

	if n.store, err = openStore(ctx, cfg, logger); err != nil {
		return err
	}
	if n.broker, err = openBroker(cfg, logger); err != nil {
		return err
	}
	if n.sink, err = openDeadLetterSink(cfg, logger); err != nil {
		return err
	}

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if n.metrics, err = metrics.NewCollector(n.registry); err != nil {
		return err
	}

	jobs := jobmanager.NewRegistry()
	if err = tasks.Register(jobs, n.store, cfg.Async.MaxJobAge); err != nil {
		return err
	}

	if n.dispatcher, err = dispatcher.New(n.broker, logger); err != nil {
		return err
	}
	n.manager, err = jobmanager.NewJobManager(n.store, n.dispatcher, jobs, jobmanager.Options{
		NodeName: cfg.NodeName,
		Logger:   logger,
		Metrics:  n.metrics,
	})
	if err != nil {
		return err
	}

	n.receiver, err = receiver.New(n.broker, receiver.Options{
		Threads:    cfg.Async.ListenerThreads,
		Blacklist:  cfg.Async.Blacklist,
		Whitelist:  cfg.Async.Whitelist,
		Disabled:   cfg.DisabledJobs(),
		DeadLetter: n.sink,
		Metrics:    n.metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	n.server = server.New(n.manager, logger)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store.Store, error) {
	if cfg.Store.Driver == config.StoreMemory {
		return store.NewMemoryStore(), nil
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openBroker(cfg *config.Config, logger logrus.FieldLogger) (messaging.SessionFactory, error) {
	if cfg.Broker.Type == config.BrokerRabbitMQ {
		factory, err := rabbitmq.Dial(rabbitmq.Config{
			URL:            cfg.Broker.URL,
			ConnectTimeout: cfg.Broker.ConnectTimeout,
			RejectDelay:    cfg.Broker.RejectDelay,
		}, logger)
		if err != nil {
			return nil, err
		}
		return factory, nil
	}
	return memory.NewBroker(memory.Options{MaxDeliveries: cfg.Broker.MaxDeliveries, Logger: logger}), nil
}

func openDeadLetterSink(cfg *config.Config, logger logrus.FieldLogger) (deadletter.Sink, error) {
	dl := cfg.DeadLetter
	var (
		sink deadletter.Sink
		err  error
	)
	switch dl.Type {
	case config.DeadLetterRedis:
		sink, err = deadletter.NewRedisSink(dl.Address, dl.Stream, dl.MaxLen)
	case config.DeadLetterKafka:
		sink, err = deadletter.NewKafkaSink(dl.Brokers, dl.Topic)
	default:
		sink = deadletter.NewLogSink(logger)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open dead-letter sink")
	}
	return sink, nil
}

// start begins receiving and serving. Server failures arrive on the
// returned channel.
func (n *node) start() (<-chan error, error) {
	if err := n.receiver.Initialize(n.manager); err != nil {
		return nil, err
	}
	if err := n.receiver.Start(); err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", n.cfg.Server.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", n.cfg.Server.Address)
	}
	n.listener = lis

	errCh := make(chan error, 2)
	go func() {
		if err := n.server.Serve(lis); err != nil {
			errCh <- errors.Wrap(err, "job service failed")
		}
	}()

	if n.cfg.Metrics.Enabled {
		n.metricsSrv = metrics.NewServer(n.cfg.Metrics.Address, n.registry)
		go func() {
			n.log.WithField("address", n.cfg.Metrics.Address).Info("Serving metrics")
			if err := n.metricsSrv.Start(); err != nil {
				errCh <- err
			}
		}()
	}
	return errCh, nil
}

// addr is the job service address once started
func (n *node) addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// close stops accepting work first, then releases resources in reverse
// order of creation
func (n *node) close() {
	if n.receiver != nil {
		n.receiver.Shutdown()
	}
	if n.server != nil && n.listener != nil {
		n.server.Stop()
	}
	if n.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.metricsSrv.Shutdown(ctx); err != nil {
			n.log.WithError(err).Warn("Failed to stop metrics server")
		}
		cancel()
	}
	if n.dispatcher != nil {
		n.dispatcher.Shutdown()
	}

	closers := []struct {
		name   string
		closer io.Closer
	}{
		{"dead-letter sink", n.sink},
		{"broker", n.broker},
		{"store", n.store},
	}
	for _, c := range closers {
		if c.closer == nil {
			continue
		}
		if err := c.closer.Close(); err != nil {
			n.log.WithError(err).Warnf("Failed to close %s", c.name)
		}
	}
}

// ----------------------------------------------------------------------------
// Client commands
// ----------------------------------------------------------------------------

func withClient(cmd *cobra.Command, opts *globalOptions, call func(ctx context.Context, c *server.Client) (any, error)) error {
	client, err := server.Dial(opts.serverAddr, opts.principal)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", opts.serverAddr)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	out, err := call(ctx, client)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseValue decodes s as a JSON value, falling back to the raw string
func parseValue(s string) any {
	if json.Valid([]byte(s)) {
		if v, err := jobdata.DecodeValue([]byte(s)); err == nil {
			return v
		}
	}
	return s
}

// parsePairs turns ["k=v", ...] into a map
func parsePairs(pairs []string, decode bool) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, errors.Errorf("expected key=value, got %q", pair)
		}
		if decode {
			out[key] = parseValue(value)
		} else {
			out[key] = value
		}
	}
	return out, nil
}

type queueOptions struct {
	name     string
	group    string
	args     []string
	unique   []string
	metadata []string
	retry    int
	logLevel string
	logExec  bool
}

// request builds the QueueJob request for key
func (q *queueOptions) request(key string) (map[string]any, error) {
	req := map[string]any{"job_key": key}

	args, err := parsePairs(q.args, true)
	if err != nil {
		return nil, errors.Wrap(err, "--arg")
	}
	unique, err := parsePairs(q.unique, false)
	if err != nil {
		return nil, errors.Wrap(err, "--unique")
	}
	meta, err := parsePairs(q.metadata, false)
	if err != nil {
		return nil, errors.Wrap(err, "--metadata")
	}

	for field, m := range map[string]map[string]any{"arguments": args, "unique": unique, "metadata": meta} {
		if len(m) > 0 {
			req[field] = m
		}
	}
	if q.name != "" {
		req["name"] = q.name
	}
	if q.group != "" {
		req["group"] = q.group
	}
	if q.logLevel != "" {
		req["log_level"] = q.logLevel
	}
	if q.retry > 0 {
		req["retry_count"] = q.retry
	}
	if q.logExec {
		req["log_execution"] = true
	}
	return req, nil
}

func buildQueueCommand(opts *globalOptions) *cobra.Command {
	q := &queueOptions{}

	cmd := &cobra.Command{
		Use:   "queue <job_key>",
		Short: "Queue a job on a running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := q.request(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) (any, error) {
				return c.QueueJob(ctx, req)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&q.name, "name", "", "job name")
	f.StringVar(&q.group, "group", "", "job group")
	f.StringArrayVar(&q.args, "arg", nil, "job argument key=value, repeatable")
	f.StringArrayVar(&q.unique, "unique", nil, "unique constraint key=value, repeatable")
	f.StringArrayVar(&q.metadata, "metadata", nil, "job metadata key=value, repeatable")
	f.IntVar(&q.retry, "retry", 0, "retry count")
	f.StringVar(&q.logLevel, "log-level", "", "job log level")
	f.BoolVar(&q.logExec, "log-execution", false, "log execution details")
	return cmd
}

func buildStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) (any, error) {
				return c.GetJobStatus(ctx, args[0])
			})
		},
	}
}

func buildListCommand(opts *globalOptions) *cobra.Command {
	var key string
	var states []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := map[string]any{}
			if key != "" {
				filter["job_key"] = key
			}
			if len(states) > 0 {
				list := make([]any, len(states))
				for i, s := range states {
					list[i] = strings.ToUpper(s)
				}
				filter["states"] = list
			}
			if limit > 0 {
				filter["limit"] = limit
			}
			return withClient(cmd, opts, func(ctx context.Context, c *server.Client) (any, error) {
				return c.ListJobs(ctx, filter)
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "only jobs with this job key")
	cmd.Flags().StringArrayVar(&states, "state", nil, "only jobs in this state, repeatable")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs")
	return cmd
}

func buildFilterCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "filter",
		Short: "Print the message filter the receiver would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			filter := receiver.BuildFilter(cfg.Async.Blacklist, cfg.Async.Whitelist, cfg.DisabledJobs())
			if filter == "" {
				filter = "(none)"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), filter)
			return err
		},
	}
}
