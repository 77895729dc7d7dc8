package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"idex-connector/internal/alert"
	"idex-connector/internal/auth"
	"idex-connector/internal/config"
	"idex-connector/internal/connector"
	"idex-connector/internal/exchange/idex"
	"idex-connector/internal/orders"
	"idex-connector/internal/ratelimit"
	"idex-connector/internal/store"
)

const shutdownCancelTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := auth.New(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.WalletPrivateKey, cfg.HashVersion())
	if err != nil {
		fatal(err.Error())
	}

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Domain), cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		fatal(err.Error())
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
		}
	}()

	gate, err := ratelimit.NewGate(map[ratelimit.Pool]ratelimit.Limit{
		ratelimit.PoolPublic: {
			Requests: cfg.RateLimits.Public.Requests,
			Interval: time.Duration(cfg.RateLimits.Public.IntervalMs) * time.Millisecond,
		},
		ratelimit.PoolUser: {
			Requests: cfg.RateLimits.User.Requests,
			Interval: time.Duration(cfg.RateLimits.User.IntervalMs) * time.Millisecond,
		},
	})
	if err != nil {
		fatal(err.Error())
	}
	client, err := idex.NewClient(cfg.Exchange, creds, gate)
	if err != nil {
		fatal(err.Error())
	}
	if err := client.Ping(ctx); err != nil {
		fatal("venue unreachable: " + err.Error())
	}

	book := orders.NewBook()
	conn := connector.New(client, book, connector.Config{
		InstanceID:              cfg.InstanceID,
		TradingPairs:            cfg.TradingPairs,
		ShortPollInterval:       time.Duration(cfg.Polling.ShortPollSec) * time.Second,
		LongPollInterval:        time.Duration(cfg.Polling.LongPollSec) * time.Second,
		OrderStatusMinInterval:  time.Duration(cfg.Polling.OrderStatusMinIntervalSec) * time.Second,
		MetadataRefreshInterval: time.Duration(cfg.Polling.MetadataRefreshSec) * time.Second,
	})
	conn.SetAlerter(alerts)

	if states, ok, err := st.LoadTracking(); err != nil {
		fatal(err.Error())
	} else if ok && len(states) > 0 {
		conn.RestoreTrackingStates(states)
		log.Printf("level=INFO event=tracking_restored orders=%d", len(states))
	}

	startedAt := time.Now().UTC()
	persistStatus(st, cfg, client.WalletAddress(), "running", startedAt, nil)

	// drain lifecycle events into the log; a host embedding the connector
	// would consume this channel instead
	go func() {
		for event := range conn.Events() {
			log.Printf("level=INFO event=lifecycle type=%s client_id=%s market=%s", event.Type, event.ClientOrderID, event.Market)
		}
	}()

	runErr := conn.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("level=ERROR event=connector_stopped err=%q", runErr.Error())
	}

	shutdown(conn, st, cfg, client.WalletAddress(), startedAt, runErr)
}

// shutdown cancels all live orders within a deadline and persists the final
// tracking snapshot so a restart can resume cleanly.
func shutdown(conn *connector.Connector, st *store.Store, cfg config.Config, wallet string, startedAt time.Time, runErr error) {
	results := conn.CancelAll(context.Background(), shutdownCancelTimeout)
	failed := 0
	for _, result := range results {
		if !result.Success {
			failed++
			log.Printf("level=WARN event=shutdown_cancel_failed client_id=%s", result.ClientOrderID)
		}
	}
	log.Printf("level=INFO event=shutdown_cancel_all total=%d failed=%d", len(results), failed)

	if err := st.SaveTracking(conn.TrackingStates()); err != nil {
		log.Printf("level=ERROR event=tracking_snapshot_failed err=%q", err.Error())
	}
	persistStatus(st, cfg, wallet, "stopped", startedAt, runErr)
}

func persistStatus(st *store.Store, cfg config.Config, wallet, state string, startedAt time.Time, runErr error) {
	status := store.RuntimeStatus{
		Domain:     string(cfg.Domain),
		Wallet:     wallet,
		InstanceID: cfg.InstanceID,
		PID:        os.Getpid(),
		State:      state,
		StartedAt:  startedAt,
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status.LastError = runErr.Error()
	}
	if err := st.SaveRuntimeStatus(status); err != nil {
		log.Printf("level=WARN event=runtime_status_persist_failed err=%q", err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(string(cfg.Domain), cfg.InstanceID, notifier)
}
