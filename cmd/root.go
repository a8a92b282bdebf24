// Package cmd wires the githttpd command line: flag and environment
// handling, logging setup and the HTTP server lifecycle.
package cmd

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/net/netutil"

	"github.com/mensi/githttpd/gitcmd"
	"github.com/mensi/githttpd/gitdir"
	"github.com/mensi/githttpd/githttp"
	"github.com/mensi/githttpd/internal/metrics"
)

const (
	headerTimeout = 10 * time.Second
	shutdownGrace = 15 * time.Second
)

var rootCmd = NewRootCommand()

// NewRootCommand builds the githttpd command with its serve behavior.
// Flags are registered separately so tests can assemble their own
// instances.
func NewRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "githttpd",
		Short: "Serve git repositories over the smart HTTP protocol",
		Long: "githttpd exposes a directory of bare git repositories to git clients\n" +
			"over HTTP. Fetches and pushes are streamed through the git binary\n" +
			"without buffering whole transfers in memory.",
		Args:          cobra.NoArgs,
		PreRunE:       preRun,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func init() {
	setDefaults()
	registerFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(newVersionCommand())
}

// Execute runs the root command and terminates the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("githttpd failed")
	}
}

// setDefaults establishes fallback values for settings that may arrive
// through flags or GITHTTPD_* environment variables.
func setDefaults() {
	viper.AutomaticEnv()
	viper.SetDefault("GITHTTPD_LISTEN", ":8417")
	viper.SetDefault("GITHTTPD_BASE", ".")
	viper.SetDefault("GITHTTPD_GIT_BIN", "git")
	viper.SetDefault("GITHTTPD_CHUNK_CREDITS", 8)
	viper.SetDefault("GITHTTPD_IDLE_TIMEOUT", 5*time.Minute)
	viper.SetDefault("GITHTTPD_WRITE_TIMEOUT", time.Minute)
	viper.SetDefault("GITHTTPD_STDERR_LIMIT", "64KiB")
	viper.SetDefault("GITHTTPD_LOG_LEVEL", "info")
	viper.SetDefault("GITHTTPD_LOG_FORMAT", "text")
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("listen", envString("GITHTTPD_LISTEN"),
		"Address to serve git requests on")
	flags.String("base", envString("GITHTTPD_BASE"),
		"Directory the served repositories live under")
	flags.String("prefix", envString("GITHTTPD_PREFIX"),
		"URL prefix stripped before repository resolution")
	flags.String("git-bin", envString("GITHTTPD_GIT_BIN"),
		"Path to the git binary")
	flags.Bool("strict-paths", envBool("GITHTTPD_STRICT_PATHS"),
		"Resolve only exact repository paths, without .git fallbacks")
	flags.Bool("enable-receive-pack", envBool("GITHTTPD_ENABLE_RECEIVE_PACK"),
		"Accept pushes for repositories that do not set http.receivepack")
	flags.Bool("disable-upload-pack", envBool("GITHTTPD_DISABLE_UPLOAD_PACK"),
		"Refuse fetches for repositories that do not set http.uploadpack")
	flags.Int("chunk-credits", envInt("GITHTTPD_CHUNK_CREDITS"),
		"Buffered fragments per transfer direction")
	flags.Duration("idle-timeout", envDuration("GITHTTPD_IDLE_TIMEOUT"),
		"Abort transfers that make no progress for this long (0 disables)")
	flags.Duration("write-timeout", envDuration("GITHTTPD_WRITE_TIMEOUT"),
		"Per-write client deadline on streamed responses (0 disables)")
	flags.String("stderr-limit", envString("GITHTTPD_STDERR_LIMIT"),
		"How much process stderr to retain for logging, e.g. 64KiB")
	flags.Int("listen-limit", envInt("GITHTTPD_LISTEN_LIMIT"),
		"Maximum concurrent client connections (0 means unlimited)")
	flags.String("metrics-listen", envString("GITHTTPD_METRICS_LISTEN"),
		"Address to serve Prometheus metrics on (empty disables)")
	flags.String("server-info-refresh", envString("GITHTTPD_SERVER_INFO_REFRESH"),
		"Cron schedule for regenerating dumb protocol indexes (empty disables)")
	flags.String("log-level", envString("GITHTTPD_LOG_LEVEL"),
		"Log level: panic, fatal, error, warn, info, debug or trace")
	flags.String("log-format", envString("GITHTTPD_LOG_FORMAT"),
		"Log format: text or json")
}

func envString(key string) string {
	viper.MustBindEnv(key)
	return viper.GetString(key)
}

func envBool(key string) bool {
	viper.MustBindEnv(key)
	return viper.GetBool(key)
}

func envInt(key string) int {
	viper.MustBindEnv(key)
	return viper.GetInt(key)
}

func envDuration(key string) time.Duration {
	viper.MustBindEnv(key)
	return viper.GetDuration(key)
}

func preRun(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return setupLogging(level, format)
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// idleTimeoutOption translates the flag convention, where zero disables
// the watchdog, into the bridge convention, where zero selects the
// default and negative disables.
func idleTimeoutOption(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	return d
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	listen, _ := flags.GetString("listen")
	base, _ := flags.GetString("base")
	prefix, _ := flags.GetString("prefix")
	gitBin, _ := flags.GetString("git-bin")
	strict, _ := flags.GetBool("strict-paths")
	enableReceive, _ := flags.GetBool("enable-receive-pack")
	disableUpload, _ := flags.GetBool("disable-upload-pack")
	credits, _ := flags.GetInt("chunk-credits")
	idleTimeout, _ := flags.GetDuration("idle-timeout")
	writeTimeout, _ := flags.GetDuration("write-timeout")
	stderrLimit, _ := flags.GetString("stderr-limit")
	listenLimit, _ := flags.GetInt("listen-limit")
	metricsListen, _ := flags.GetString("metrics-listen")
	refreshSpec, _ := flags.GetString("server-info-refresh")

	absBase, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("base directory: %w", err)
	}
	if fi, err := os.Stat(absBase); err != nil {
		return fmt.Errorf("base directory: %w", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("base directory %s is not a directory", absBase)
	}

	retain, err := units.RAMInBytes(stderrLimit)
	if err != nil {
		return fmt.Errorf("stderr limit: %w", err)
	}

	logger := logrus.StandardLogger()

	resolver := gitdir.NewFilesystemResolver(osfs.New(absBase), strict)
	local := &gitcmd.Local{GitPath: gitBin}
	bridge := gitcmd.NewBridge(local, &gitcmd.BridgeOptions{
		Credits:     credits,
		IdleTimeout: idleTimeoutOption(idleTimeout),
		StderrLimit: int(retain),
		Logger:      logger,
	})

	handler := githttp.NewHandler(resolver, &githttp.Options{
		Prefix:            prefix,
		DisableUploadPack: disableUpload,
		EnableReceivePack: enableReceive,
		WriteTimeout:      writeTimeout,
		Logger:            logger,
		Bridge:            bridge,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsListen != "" {
		metricsSrv, err := serveMetrics(metricsListen, logger)
		if err != nil {
			return err
		}
		defer metricsSrv.Close()
	}

	if refreshSpec != "" {
		scheduler, err := startServerInfoRefresh(refreshSpec, resolver, local, logger)
		if err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	if listenLimit > 0 {
		ln = netutil.LimitListener(ln, listenLimit)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: headerTimeout,
		ErrorLog:          stdlog.New(logger.WriterLevel(logrus.ErrorLevel), "", 0),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown did not finish cleanly")
		}
	}()

	logger.WithFields(logrus.Fields{
		"listen":       listen,
		"base":         absBase,
		"stderr_limit": units.BytesSize(float64(retain)),
	}).Info("serving git over http")

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveMetrics exposes the transfer gauges and counters on their own
// listener, kept off the repository-facing address.
func serveMetrics(addr string, logger logrus.FieldLogger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: headerTimeout,
	}
	go func() {
		logger.WithField("listen", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics listener failed")
		}
	}()
	return srv, nil
}
