// Command sftpd serves a local directory over SFTP.
//
// Usage:
//
//	sftpd [-p=<port>] [-d=<dir>] [-c=<config.toml>] [--metrics-addr=<host:port>]
//
// The server runs until "q" is entered on the console or the process
// receives SIGINT or SIGTERM.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gonzalop/sftpd/internal/config"
	"github.com/gonzalop/sftpd/internal/telemetry"
	"github.com/gonzalop/sftpd/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// usageError marks command line errors that print the usage text.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

// flags holds the raw command line values.
type flags struct {
	port        string
	dir         string
	configPath  string
	metricsAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(ctx, stdin, stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprintln(stderr, "Invalid parameter found!")
		fmt.Fprint(stderr, cmd.UsageString())
		return 1
	}
	fmt.Fprintf(stderr, "Error: %s\n", err)
	return 1
}

func newRootCmd(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "sftpd",
		Short: "Serve a directory over SFTP",
		Long: `sftpd serves one local directory over SFTP (SSH File Transfer Protocol).

The directory is exposed to clients as "/"; nothing outside it is reachable.
A host key is generated on first start and reused afterwards.

WARNING: the command line server accepts every client without credentials.
Run it on trusted networks only, or set read_only in the config file.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected argument %q", args[0])}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(ctx, cmd, f, stdin, stdout, stderr)
		},
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	fl := cmd.Flags()
	fl.StringVarP(&f.port, "port", "p", strconv.Itoa(server.DefaultPort), "TCP port to listen on")
	fl.StringVarP(&f.dir, "dir", "d", "", "root directory to serve (default: working directory)")
	fl.StringVarP(&f.configPath, "config", "c", "", "TOML configuration file")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics and /healthz on host:port")
	return cmd
}

// settings is the merged result of flags, config file and defaults.
type settings struct {
	file        *config.File
	port        int
	rootDir     string
	metricsAddr string
	level       slog.Level
}

func resolve(cmd *cobra.Command, f flags, stderr io.Writer) (*settings, error) {
	file, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLogLevel(file.LogLevel)
	if err != nil {
		return nil, err
	}

	s := &settings{file: file, level: level, metricsAddr: file.MetricsAddr}

	s.port = server.DefaultPort
	if file.Port != 0 {
		s.port = file.Port
	}
	if cmd.Flags().Changed("port") {
		s.port = parsePort(f.port, s.port, stderr)
	}

	switch {
	case cmd.Flags().Changed("dir"):
		s.rootDir = f.dir
	case file.RootDir != "":
		s.rootDir = file.RootDir
	default:
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		s.rootDir = wd
	}

	if cmd.Flags().Changed("metrics-addr") {
		s.metricsAddr = f.metricsAddr
	}
	return s, nil
}

// parsePort converts the -p value. A malformed value is reported on w and
// replaced by fallback.
func parsePort(value string, fallback int, w io.Writer) int {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(w, "Warning: invalid port %q, using %d\n", value, fallback)
		return fallback
	}
	return port
}

func serve(ctx context.Context, cmd *cobra.Command, f flags, stdin io.Reader, stdout, stderr io.Writer) error {
	st, err := resolve(cmd, f, stderr)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: st.level}))
	slog.SetDefault(logger)

	opts := []server.Option{
		server.WithAuthPolicy(server.AllowAnonymous()),
		server.WithLogger(logger),
		server.WithReadOnly(st.file.ReadOnly),
		server.WithMaxSessions(st.file.MaxSessions),
		server.WithBandwidthLimit(st.file.BandwidthLimit, st.file.BandwidthLimitPerSession),
	}
	if st.file.HostKeyPath != "" {
		opts = append(opts, server.WithHostKeyFile(st.file.HostKeyPath))
	}
	if st.file.HostKeyAlgorithm != "" {
		alg, err := server.ParseHostKeyAlgorithm(st.file.HostKeyAlgorithm)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithHostKeyAlgorithm(alg))
	}
	if st.file.DrainTimeout > 0 {
		opts = append(opts, server.WithDrainTimeout(st.file.DrainTimeout))
	}
	if st.file.AuthTimeout > 0 {
		opts = append(opts, server.WithAuthTimeout(st.file.AuthTimeout))
	}

	var reg *prometheus.Registry
	if st.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, server.WithMetricsCollector(telemetry.NewCollector(reg)))
	}

	cfg := server.Config{Host: st.file.ListenHost, Port: st.port, RootDir: st.rootDir}
	srv, err := server.NewServer(cfg, opts...)
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if reg != nil {
		metricsSrv, err = startMetrics(st.metricsAddr, telemetry.NewHandler(reg, srv.IsRunning), logger)
		if err != nil {
			return err
		}
	}

	if err := srv.Start(); err != nil {
		shutdownMetrics(metricsSrv)
		return err
	}

	key := srv.HostKey()
	fmt.Fprintf(stdout, "SFTP server started on port %d, serving %s\n", st.port, srv.Config().RootDir)
	fmt.Fprintf(stdout, "Host key %s (%s)\n", key.Fingerprint(), key.Algorithm)
	fmt.Fprintln(stdout, "Enter q to stop.")

	select {
	case <-ctx.Done():
		logger.Info("signal received, stopping")
	case <-quitRequested(stdin):
	}

	stopErr := srv.Stop()
	shutdownMetrics(metricsSrv)
	if stopErr != nil {
		return fmt.Errorf("stop: %w", stopErr)
	}
	fmt.Fprintln(stdout, "SFTP server stopped.")
	return nil
}

// quitRequested returns a channel that is closed when a "q" or "Q" line is
// read. End of input leaves the channel open, so a detached stdin does not
// stop the server.
func quitRequested(stdin io.Reader) <-chan struct{} {
	quit := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line == "q" || line == "Q" {
				close(quit)
				return
			}
		}
	}()
	return quit
}

func startMetrics(addr string, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	hs := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics_started", "addr", ln.Addr().String())
	return hs, nil
}

func shutdownMetrics(hs *http.Server) {
	if hs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = hs.Shutdown(ctx)
}
