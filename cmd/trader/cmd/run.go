package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rustyeddy/tradeengine/autotrade"
	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/broker/paper"
	"github.com/rustyeddy/tradeengine/broker/rest"
	"github.com/rustyeddy/tradeengine/config"
	"github.com/rustyeddy/tradeengine/engine"
	"github.com/rustyeddy/tradeengine/events"
	"github.com/rustyeddy/tradeengine/executor"
	"github.com/rustyeddy/tradeengine/feed"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/rustyeddy/tradeengine/internal/wsstream"
	"github.com/rustyeddy/tradeengine/metrics"
	"github.com/rustyeddy/tradeengine/session"
	"github.com/rustyeddy/tradeengine/signals"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the venue and run the engine",
	Long: `Run the engine with settings from a configuration file.

Credentials come from TRADER_IDENTIFIER, TRADER_PASSWORD, TRADER_API_KEY and
the optional TRADER_TOTP_SECRET, read from the environment or a .env file.
The engine runs until interrupted, then stops auto-trading and disconnects.

Example:
  trader run -f trader.yaml --autotrade`,
	RunE: runRun,
}

var (
	runConfigPath string
	runEnvFile    string
	runAutoTrade  bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (required)")
	runCmd.Flags().StringVar(&runEnvFile, "env", ".env", "dotenv file with venue credentials")
	runCmd.Flags().BoolVar(&runAutoTrade, "autotrade", false, "enable auto-trading once connected")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	creds, err := config.CredentialsFromEnv(runEnvFile)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	venue, err := buildVenue(cfg, log)
	if err != nil {
		return err
	}

	j, err := cfg.Journal.Open()
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}

	src, err := signals.New(cfg.Signals)
	if err != nil {
		_ = j.Close()
		return fmt.Errorf("signals: %w", err)
	}

	eng, err := engine.New(venue, engine.Options{
		Account: broker.Account{
			ID:       cfg.Account.ID,
			Currency: cfg.Account.Currency,
			Balance:  cfg.Account.Balance,
		},
		Commission: cfg.Account.Commission,
		Journal:    j,
		Symbols:    cfg.Feed.Symbols,
		Seeds:      cfg.SeedQuotes(time.Now()),
		Session: session.Options{
			Lifetime:      cfg.Session.Lifetime,
			RefreshMargin: cfg.Session.RefreshMargin,
			Timeout:       cfg.Session.Timeout,
		},
		Feed: feed.Options{
			Interval:      cfg.Feed.Interval,
			Timeout:       cfg.Feed.Timeout,
			DegradedAfter: cfg.Feed.DegradedAfter,
		},
		Executor:  executor.Options{Timeout: cfg.Venue.Timeout},
		AutoTrade: cfg.AutoTrade,
		Signals:   src,
		Logger:    log,
	})
	if err != nil {
		_ = j.Close()
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.WithError(err).Warn("close engine")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := startServers(ctx, cfg, eng, log)
	defer shutdown(servers, log)

	go logEvents(ctx, eng.Events(256), log)
	if pv, ok := venue.(*paper.Venue); ok {
		go pv.Run(ctx, eng.Events(1024))
	}

	sess, err := eng.Connect(ctx, creds)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.WithField("session", sess).Info("session established")

	if runAutoTrade {
		if err := eng.EnableAutoTrade(ctx); err != nil {
			return err
		}
	}

	err = eng.Run(ctx)

	eng.DisableAutoTrade()
	printSummary(cmd, eng.Snapshot())
	eng.Disconnect()
	return err
}

func buildVenue(cfg *config.Config, log logrus.FieldLogger) (broker.Venue, error) {
	switch cfg.Venue.Kind {
	case "rest":
		c, err := rest.New(cfg.Venue.REST)
		if err != nil {
			return nil, fmt.Errorf("venue: %w", err)
		}
		return c, nil
	default:
		v := paper.New(cfg.Venue.Paper)
		seeded := make(map[string]bool)
		for _, s := range cfg.Feed.Seeds {
			v.SetPrice(s.Symbol, (s.Bid+s.Ask)/2)
			seeded[s.Symbol] = true
		}
		for _, sym := range cfg.Feed.Symbols {
			if !seeded[sym] {
				log.WithField("symbol", sym).Warn("paper venue has no seed price; it will not quote this symbol")
			}
		}
		return v, nil
	}
}

func startServers(ctx context.Context, cfg *config.Config, eng *engine.Engine, log logrus.FieldLogger) []*http.Server {
	var servers []*http.Server

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)
		go m.Run(ctx, eng.Events(1024))

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		servers = append(servers, serve(cfg.Metrics.Addr, mux, "metrics", log))
	}

	if cfg.Stream.Addr != "" {
		hub := wsstream.NewHub(log)
		go hub.Run(ctx, eng.Events(1024))

		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		servers = append(servers, serve(cfg.Stream.Addr, mux, "stream", log))
	}
	return servers
}

func serve(addr string, h http.Handler, name string, log logrus.FieldLogger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithFields(logrus.Fields{"server": name, "addr": addr}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("server", name).Error("server stopped")
		}
	}()
	return srv
}

func shutdown(servers []*http.Server, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).WithField("addr", srv.Addr).Warn("server shutdown")
		}
	}
}

// logEvents writes the notable events to the log. Price updates are left
// to debug level.
func logEvents(ctx context.Context, ch <-chan events.Event, log logrus.FieldLogger) {
	log = logging.Component(log, "events")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			entry := log.WithField("kind", e.Kind)
			if e.Symbol != "" {
				entry = entry.WithField("symbol", e.Symbol)
			}
			switch e.Kind {
			case events.PriceUpdate:
				entry.WithFields(logrus.Fields{"bid": e.Bid, "ask": e.Ask}).Debug("price")
			case events.PositionClosed:
				entry.WithField("pnl", e.RealizedPnL).Info("position closed")
			case events.SessionLost, events.FeedDegraded, events.ExecutionFailed:
				entry.WithField("reason", e.Reason).Warn(string(e.Kind))
			default:
				entry.Info(string(e.Kind))
			}
		}
	}
}

func printSummary(cmd *cobra.Command, snap engine.Snapshot) {
	out := cmd.OutOrStdout()
	a := snap.Account
	fmt.Fprintf(out, "\nAccount %s: balance %.2f, equity %.2f, margin %.2f %s\n", a.ID, a.Balance, a.Equity, a.MarginUsed, a.Currency)
	fmt.Fprintf(out, "  open positions: %d, pending orders: %d, closed: %d\n", len(snap.Positions), len(snap.Orders), len(snap.History))
	for _, p := range snap.Positions {
		fmt.Fprintf(out, "  %s %s %s %g @ %.5f  unrealized %.2f\n", p.ID, p.Symbol, p.Direction, p.Size, p.EntryPrice, p.UnrealizedPnL)
	}
	if snap.AutoTrade != autotrade.Off {
		fmt.Fprintf(out, "  auto-trade: %s\n", snap.AutoTrade)
	}
}
