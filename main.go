package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"driftguard/config"
	"driftguard/database"
	"driftguard/logging"
	"driftguard/metrics"
	"driftguard/raster"
	"driftguard/signalhandler"
	"driftguard/utils"
)

// errRejected signals a completed check whose candidate did not pass
var errRejected = errors.New("candidate rejected")

var (
	flagConfig      string
	flagDB          string
	flagDebug       bool
	flagLogFile     string
	flagMetricsAddr string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "driftguard",
	Short:         "Validate regenerated drawing sheets against their baseline and retry until consistent",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
		flags := cmd.Flags()
		if flags.Changed("db") {
			cfg.Database = flagDB
		}
		if flags.Changed("debug") {
			cfg.Debug = flagDebug
		}
		if flags.Changed("logfile") {
			cfg.LogFile = flagLogFile
		}
		if flags.Changed("metrics-addr") {
			cfg.MetricsAddr = flagMetricsAddr
		}
		if cfg.Database == "" {
			cfg.Database = utils.GetDefaultDatabasePath()
		}

		if err := logging.SetupLogger(cfg.LogFile, cfg.Debug); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to setup logging: %v\n", err)
		} else if cfg.Debug {
			fmt.Fprintf(os.Stderr, "Debug mode enabled. Logging to: %s\n", cfg.LogFile)
		}
		if cfg.MetricsAddr != "" {
			startMetricsServer(cmd.Context(), cfg.MetricsAddr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseLogger()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to a YAML config file")
	pf.StringVar(&flagDB, "db", "", "path to the ledger database (default: next to the executable)")
	pf.BoolVar(&flagDebug, "debug", false, "enable debug logging")
	pf.StringVar(&flagLogFile, "logfile", "", "log file path")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9108")

	rootCmd.AddCommand(compareCmd, zonesCmd, regenerateCmd, scanCmd, driftCmd, historyCmd, initConfigCmd)
}

func main() {
	runtime.GOMAXPROCS(signalhandler.GetOptimalProcs())

	ctx, stop := signalhandler.SetupHandler(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errRejected):
		os.Exit(1)
	default:
		log.Printf("Error: %v", err)
		os.Exit(2)
	}
}

// startMetricsServer serves /metrics until ctx is cancelled
func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logging.LogInfo("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.LogError("Metrics server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// openLedger initializes the ledger database, retrying while another process holds it
func openLedger() (*database.Ledger, error) {
	var ledger *database.Ledger
	var err error
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		ledger, err = database.OpenLedger(cfg.Database)
		if err == nil {
			return ledger, nil
		}
		if i < maxRetries-1 {
			logging.LogWarning("Error initializing database (attempt %d/%d): %v - retrying...", i+1, maxRetries, err)
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	return nil, fmt.Errorf("error initializing database after %d attempts: %w", maxRetries, err)
}

// ledgerDB returns the ledger connection, or nil when the ledger cannot be opened
func ledgerDB(ledger *database.Ledger) *sql.DB {
	if ledger == nil {
		return nil
	}
	return ledger.DB()
}

// newRegistry builds the image loader registry from the config. The returned
// closer releases the exiftool process when one was started.
func newRegistry() (*raster.Registry, func()) {
	opts := raster.RegistryOptions{ProxyPrefix: cfg.ProxyPrefix}
	closer := func() {}
	if cfg.EXIFOrientation {
		orienter, err := raster.NewEXIFOrienter()
		if err != nil {
			logging.DebugLog("EXIF orientation disabled: %v", err)
		} else {
			opts.Orienter = orienter
			closer = func() { orienter.Close() }
		}
	}
	return raster.NewDefaultRegistry(opts), closer
}
