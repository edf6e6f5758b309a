package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"marketdata/internal/app"
	"marketdata/internal/config"
	"marketdata/internal/marketdata"
	"marketdata/internal/provider"
)

type globals struct {
	configPath string
	synthetic  bool
	timeout    time.Duration
	verbose    bool
}

// newRootCmd creates the fetch command tree. Results are written to out.
func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "fetch",
		Short:         "Query market data through the routing and caching layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("CONFIG_FILE"), "configuration file path")
	root.PersistentFlags().BoolVar(&g.synthetic, "synthetic", false, "use only the in-process synthetic source")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "overall deadline")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level to stderr")

	root.AddCommand(
		newQuoteCmd(g, out),
		newBarsCmd(g, out),
		newSymbolCmd(g, out, "snapshot", "Show the latest snapshot for a symbol", func(ctx context.Context, s *marketdata.Service, sym string) (any, error) {
			return s.GetSnapshot(ctx, sym)
		}),
		newSymbolCmd(g, out, "fundamentals", "Show fundamentals for a symbol", func(ctx context.Context, s *marketdata.Service, sym string) (any, error) {
			return s.GetFundamentals(ctx, sym)
		}),
		newSymbolCmd(g, out, "indicators", "Compute technical indicators for a symbol", func(ctx context.Context, s *marketdata.Service, sym string) (any, error) {
			return s.GetTechnicalIndicators(ctx, sym)
		}),
		newProvidersCmd(g, out),
		newWarmupCmd(g, out),
	)
	return root
}

// with builds the service for one command and tears it down afterwards.
func (g *globals) with(cmd *cobra.Command, fn func(ctx context.Context, svc *marketdata.Service) error) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if g.synthetic {
		cfg.Providers = config.Providers{Synthetic: config.Provider{Enabled: true}}
		cfg.Routing.DefaultProvider = "synthetic"
		cfg.Routing.Fallback = nil
		cfg.Store = config.Store{Driver: "memory"}
	}
	logCfg := cfg.Log
	if g.verbose {
		logCfg.Level = "debug"
	} else {
		logCfg.Level = "warn"
	}
	log := app.NewLogger(logCfg, cmd.ErrOrStderr())

	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(ctx, a.Service)
}

func newQuoteCmd(g *globals, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Fetch current prices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.with(cmd, func(ctx context.Context, svc *marketdata.Service) error {
				if len(args) == 1 {
					q, err := svc.GetCurrentPrice(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(out, q)
				}
				quotes, errs := svc.GetBulkPrices(ctx, args)
				failed := make(map[string]string, len(errs))
				for sym, err := range errs {
					failed[sym] = err.Error()
				}
				if err := printJSON(out, map[string]any{"quotes": quotes, "errors": failed}); err != nil {
					return err
				}
				if len(quotes) == 0 {
					return errors.New("no quotes received")
				}
				return nil
			})
		},
	}
}

func newBarsCmd(g *globals, out io.Writer) *cobra.Command {
	var (
		timeframe  string
		limit      int
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "bars SYMBOL",
		Short: "Fetch historical bars, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := provider.ParseTimeframe(timeframe)
			if err != nil {
				return err
			}
			q := marketdata.HistoricalQuery{Symbol: args[0], Timeframe: tf, Limit: limit}
			if q.Start, err = parseDate(start); err != nil {
				return err
			}
			if q.End, err = parseDate(end); err != nil {
				return err
			}
			return g.with(cmd, func(ctx context.Context, svc *marketdata.Service) error {
				series, err := svc.GetHistoricalData(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(out, series)
			})
		},
	}
	cmd.Flags().StringVar(&timeframe, "timeframe", "1d", "bar width (1m, 5m, 15m, 30m, 1h, 1d, 1w)")
	cmd.Flags().IntVar(&limit, "limit", 30, "maximum number of bars")
	cmd.Flags().StringVar(&start, "start", "", "range start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "range end (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func newSymbolCmd(g *globals, out io.Writer, use, short string, get func(context.Context, *marketdata.Service, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " SYMBOL",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.with(cmd, func(ctx context.Context, svc *marketdata.Service) error {
				v, err := get(ctx, svc, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, v)
			})
		},
	}
}

func newProvidersCmd(g *globals, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Probe every configured provider and print its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.with(cmd, func(ctx context.Context, svc *marketdata.Service) error {
				return printJSON(out, svc.Health(ctx))
			})
		},
	}
}

func newWarmupCmd(g *globals, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup SYMBOL...",
		Short: "Prefetch prices and recent daily bars into the configured store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.with(cmd, func(ctx context.Context, svc *marketdata.Service) error {
				err := svc.WarmupCache(ctx, args)
				if perr := printJSON(out, svc.Stats()); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
