package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/app"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/config"
	crawlerrors "github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/errors"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/metrics"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/shutdown"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/transport"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/version"
)

var (
	configPath     string
	endpoint       string
	format         string
	securityMode   string
	securityPolicy string
	userName       string
	password       string
	rootNode       string
	timeoutSec     int
	outputPath     string
	dbPath         string
	events         bool
	metricsAddr    string
	logLevel       string

	rootCmd = &cobra.Command{
		Use:           "crawler",
		Short:         "Crawl the address space of an OPC UA server",
		Long:          `Connects to an OPC UA server, browses its address space breadth-first and writes the node tree to a file.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCrawl,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "JSON or YAML configuration file")
	f.StringVarP(&endpoint, "endpoint", "e", "", "server endpoint (opc.tcp://host:port)")
	f.StringVarP(&format, "format", "f", "", "output format: txt, json, yaml or parquet")
	f.StringVarP(&securityMode, "securityMode", "s", "", "None, Sign or SignAndEncrypt")
	f.StringVarP(&securityPolicy, "securityPolicy", "P", "", "None, Basic128Rsa15, Basic256 or Basic256Sha256")
	f.StringVarP(&userName, "userName", "u", "", "user name, anonymous if empty")
	f.StringVarP(&password, "password", "p", "", "password for --userName")
	f.StringVarP(&rootNode, "node", "n", "", "node to start crawling from (default i=85)")
	f.IntVarP(&timeoutSec, "timeout", "t", 20, "session timeout in seconds, -1 for infinite")
	f.StringVar(&outputPath, "output", "", "output file (default log.<format>)")
	f.StringVar(&dbPath, "db", "", "SQLite file to store the crawl snapshot in")
	f.BoolVar(&events, "events", false, "dump events of the Server object while crawling")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")
}

func main() {
	// Configure logging
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
	})

	err := rootCmd.Execute()
	memguard.Purge()
	if err != nil {
		logrus.Errorf("%s: %v", crawlerrors.Classify(err), err)
		os.Exit(crawlerrors.ExitCode(err))
	}
}

// loadConfig reads the config file if given and applies the flags that were
// set on the command line on top of it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	set := func(name string, dst *string, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	set("endpoint", &cfg.Endpoint, endpoint)
	set("format", &cfg.Format, format)
	set("securityMode", &cfg.SecurityMode, securityMode)
	set("securityPolicy", &cfg.SecurityPolicy, securityPolicy)
	set("userName", &cfg.UserName, userName)
	set("password", &cfg.Password, password)
	set("node", &cfg.RootNodeID, rootNode)
	set("output", &cfg.OutputPath, outputPath)
	set("db", &cfg.DBPath, dbPath)
	set("metrics-addr", &cfg.MetricsAddr, metricsAddr)
	set("log-level", &cfg.LogLevel, logLevel)
	if flags.Changed("events") {
		cfg.Events = events
	}
	if flags.Changed("timeout") {
		if timeoutSec < 0 {
			cfg.SessionTimeoutMs = -1
		} else {
			cfg.SessionTimeoutMs = timeoutSec * 1000
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return crawlerrors.Wrap(crawlerrors.ErrConfig, "log level", err)
	}
	logrus.SetLevel(level)

	logrus.Infof("OPC UA node crawler v%s starting...", version.Version)
	logrus.Infof("Configuration loaded: endpoint=%s, mode=%s, policy=%s, root=%s, format=%s",
		cfg.Endpoint, cfg.SecurityMode, cfg.SecurityPolicy, cfg.RootNodeID, cfg.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first two interrupts only stop the event subscription; the third
	// exits without teardown
	esc := shutdown.New(nil)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go esc.Watch(ctx, sigChan)

	tracker := metrics.NewTracker()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, tracker)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.Warnf("Metrics server shutdown: %v", err)
			}
		}()
	}

	runner := app.New(cfg,
		func() ua.Transport { return transport.New() },
		app.WithTracker(tracker),
		app.WithEscalation(esc),
	)
	if err := runner.Run(ctx); err != nil {
		return err
	}

	logrus.Info("Final stats: " + tracker.LogProgress())
	logrus.Info("Crawl complete. Goodbye!")
	return nil
}

func serveMetrics(addr string, tracker *metrics.Tracker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(tracker.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logrus.Infof("Serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Metrics server failed: %v", err)
		}
	}()
	return srv
}
