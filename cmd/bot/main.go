package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/config"
	"github.com/vitos/llm_trader/internal/domain"
	"github.com/vitos/llm_trader/internal/infrastructure/exchange"
	"github.com/vitos/llm_trader/internal/infrastructure/llm"
	"github.com/vitos/llm_trader/internal/infrastructure/logger"
	"github.com/vitos/llm_trader/internal/infrastructure/marketdata"
	"github.com/vitos/llm_trader/internal/infrastructure/notify"
	"github.com/vitos/llm_trader/internal/infrastructure/storage"
	"github.com/vitos/llm_trader/internal/metrics"
	"github.com/vitos/llm_trader/internal/usecase"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "bot",
		Short:         "LLM-driven perpetual futures trader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to config file")

	root.AddCommand(
		runCmd(&configPath),
		closeCmd(&configPath),
		closeAllCmd(&configPath),
		tpslCmd(&configPath),
		killCmd(&configPath),
		resumeCmd(&configPath),
		positionsCmd(&configPath),
		auditCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds everything a command needs after wiring.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *usecase.PositionStore
	repo      *storage.SQLiteStore
	exchanges map[string]domain.Exchange
	market    *marketdata.Client
	notifier  domain.Notifier
	gate      *usecase.RiskGate
	executor  *usecase.TradeExecutor
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	repo, err := storage.NewSQLiteStore(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	exchanges := make(map[string]domain.Exchange, len(cfg.Venues))
	var bybitCfg *config.VenueConfig
	for i := range cfg.Venues {
		v := cfg.Venues[i]
		switch v.Name {
		case "binance_futures":
			exchanges[v.Name] = exchange.NewBinanceFutures(v.APIKey, v.APISecret, v.RESTEndpoint, log)
		case "bybit":
			exchanges[v.Name] = exchange.NewBybit(v.APIKey, v.APISecret, v.RESTEndpoint, log)
			bybitCfg = &cfg.Venues[i]
		default:
			return nil, fmt.Errorf("unknown venue %q", v.Name)
		}
	}

	// Prices come from Bybit's public endpoints even when entries route
	// elsewhere; no credentials are needed for market data.
	mdREST, mdWS := "", ""
	if bybitCfg != nil {
		mdREST, mdWS = bybitCfg.RESTEndpoint, bybitCfg.WSEndpoint
	}
	market := marketdata.NewClient(mdREST, mdWS, log)

	notifier := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
	store := usecase.NewPositionStore(cfg.Risk.StartCapital)
	gate := usecase.NewRiskGate(cfg.Risk.MaxDailyLossPct, notifier, log)
	executor := usecase.NewTradeExecutor(store, exchanges, cfg.Venue, repo, notifier,
		cfg.Risk.TakerFeeRate, cfg.Risk.MakerFeeRate, log)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		repo:      repo,
		exchanges: exchanges,
		market:    market,
		notifier:  notifier,
		gate:      gate,
		executor:  executor,
	}, nil
}

func (a *app) close() {
	a.market.Close()
	if err := a.repo.Close(); err != nil {
		a.log.Warn("failed to close state db", zap.Error(err))
	}
	_ = a.log.Sync()
}

// restore loads the persisted snapshot into the store and returns the
// risk control state. A missing snapshot means a fresh start.
func (a *app) restore(ctx context.Context) (domain.RiskControlState, error) {
	state, err := a.repo.Load(ctx)
	if err != nil {
		return domain.RiskControlState{}, err
	}
	if state == nil {
		return domain.RiskControlState{}, nil
	}
	a.store.Restore(state)
	return state.RiskControl, nil
}

func (a *app) persist(ctx context.Context, risk domain.RiskControlState) error {
	state := a.store.Snapshot(time.Now().UTC())
	state.RiskControl = risk
	return a.repo.Save(ctx, state)
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.market.Subscribe(a.cfg.Coins); err != nil {
				a.log.Warn("price stream unavailable, falling back to REST", zap.Error(err))
			}

			prompts := usecase.NewPromptBuilder(a.cfg.Coins, a.store, a.market, a.cfg.Risk.StartCapital)
			source := llm.NewClient(a.cfg.LLM.APIKey, a.cfg.LLM.BaseURL, a.cfg.LLM.Model,
				a.cfg.LLM.MaxTokens, a.cfg.LLM.Timeout(), usecase.SystemPrompt, prompts.Build, a.log)
			monitor := usecase.NewMonitor(a.store, a.market, a.executor, a.log)
			parser := usecase.NewParser(a.cfg.Coins, a.notifier, a.log)

			trader := usecase.NewTrader(usecase.TraderDeps{
				Coins:            a.cfg.Coins,
				MaxOpenPositions: a.cfg.Risk.MaxOpenPositions,
				CheckInterval:    a.cfg.CheckInterval(),
				Store:            a.store,
				Gate:             a.gate,
				Monitor:          monitor,
				Executor:         a.executor,
				Parser:           parser,
				Source:           source,
				Market:           a.market,
				Repo:             a.repo,
				Journal:          a.repo,
				Notifier:         a.notifier,
				Log:              a.log,
			})
			if err := trader.LoadState(ctx); err != nil {
				return err
			}
			trader.Reconcile(ctx)

			if a.cfg.MetricsPort > 0 {
				go func() {
					if err := metrics.Serve(a.cfg.MetricsPort); err != nil {
						a.log.Error("metrics server stopped", zap.Error(err))
					}
				}()
			}

			a.log.Info("trader starting",
				zap.Strings("coins", a.cfg.Coins),
				zap.String("default_venue", a.cfg.Venue),
				zap.Duration("check_interval", a.cfg.CheckInterval()))
			if err := trader.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func closeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "close <coin>",
		Short: "Close the open position for a coin at market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			risk, err := a.restore(ctx)
			if err != nil {
				return err
			}
			coin := args[0]
			if _, ok := a.store.Get(coin); !ok {
				return fmt.Errorf("no open position for %s", coin)
			}
			price, err := a.market.GetCurrentPrice(ctx, coin)
			if err != nil {
				return fmt.Errorf("fetch price for %s: %w", coin, err)
			}
			if err := a.executor.ExecuteClose(ctx, coin, price, "manual"); err != nil {
				return err
			}
			return a.persist(ctx, risk)
		},
	}
}

func closeAllCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "close-all",
		Short: "Close every open position at market",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			risk, err := a.restore(ctx)
			if err != nil {
				return err
			}
			positions := a.store.List()
			if len(positions) == 0 {
				fmt.Println("no open positions")
				return nil
			}
			var failed int
			for _, p := range positions {
				price, err := a.market.GetCurrentPrice(ctx, p.Coin)
				if err != nil {
					fmt.Printf("%s: price unavailable, skipped: %v\n", p.Coin, err)
					failed++
					continue
				}
				if err := a.executor.ExecuteClose(ctx, p.Coin, price, "manual"); err != nil {
					fmt.Printf("%s: close failed: %v\n", p.Coin, err)
					failed++
					continue
				}
				fmt.Printf("%s: closed\n", p.Coin)
			}
			if err := a.persist(ctx, risk); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d positions not closed", failed, len(positions))
			}
			return nil
		},
	}
}

func tpslCmd(configPath *string) *cobra.Command {
	var stopLoss, takeProfit float64
	cmd := &cobra.Command{
		Use:   "tpsl <coin>",
		Short: "Replace the stop loss and/or take profit on an open position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stopLoss <= 0 && takeProfit <= 0 {
				return fmt.Errorf("at least one of --sl or --tp is required")
			}
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			risk, err := a.restore(ctx)
			if err != nil {
				return err
			}
			coin := args[0]
			if _, ok := a.store.Get(coin); !ok {
				return fmt.Errorf("no open position for %s", coin)
			}
			if err := a.executor.UpdateTPSL(ctx, coin, stopLoss, takeProfit); err != nil {
				return err
			}
			if err := a.persist(ctx, risk); err != nil {
				return err
			}
			pos, _ := a.store.Get(coin)
			fmt.Printf("%s sl=%v tp=%v\n", coin, pos.StopLoss, pos.TakeProfit)
			return nil
		},
	}
	cmd.Flags().Float64Var(&stopLoss, "sl", 0, "new stop loss price (0 keeps the current one)")
	cmd.Flags().Float64Var(&takeProfit, "tp", 0, "new take profit price (0 keeps the current one)")
	return cmd
}

func killCmd(configPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Activate the kill switch (blocks new entries, closes stay allowed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			risk, err := a.restore(ctx)
			if err != nil {
				return err
			}
			risk = a.gate.Kill(risk, reason, time.Now())
			if err := a.persist(ctx, risk); err != nil {
				return err
			}
			fmt.Println("kill switch active:", risk.KillSwitchReason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the kill switch")
	return cmd
}

func resumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear the kill switch and resume trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			risk, err := a.restore(ctx)
			if err != nil {
				return err
			}
			risk = a.gate.Resume(risk)
			if err := a.persist(ctx, risk); err != nil {
				return err
			}
			fmt.Println("trading resumed")
			return nil
		},
	}
}

func positionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Print the persisted account and position state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			risk, err := a.restore(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("balance:    %.2f USD\n", a.store.Balance())
			fmt.Printf("iteration:  %d\n", a.store.Iteration())
			fmt.Printf("risk state: %s", risk.State())
			if risk.KillSwitchReason != "" {
				fmt.Printf(" (%s)", risk.KillSwitchReason)
			}
			fmt.Println()

			positions := a.store.List()
			if len(positions) == 0 {
				fmt.Println("no open positions")
				return nil
			}
			for _, p := range positions {
				fmt.Printf("%-6s %-16s %-5s qty=%v entry=%v sl=%v tp=%v lev=%d margin=%.2f opened=%s\n",
					p.Coin, p.Venue, p.Side, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit,
					p.Leverage, p.Margin, p.OpenedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func auditCmd(configPath *string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print venue income history (funding, settlement, fees)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			end := time.Now().UTC()
			start := end.AddDate(0, 0, -days)
			auditor := usecase.NewAuditor(a.exchanges, a.log)
			reports := auditor.Reports(cmd.Context(), start, end)
			if len(reports) == 0 {
				return fmt.Errorf("no venue returned income data")
			}
			for _, r := range reports {
				fmt.Print(usecase.FormatReport(r))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "lookback window in days")
	return cmd
}
