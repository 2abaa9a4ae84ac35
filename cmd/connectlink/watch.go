package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/SiamRahamanDhrubo/connectlink"
)

var (
	watchBackend     backendFlags
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow a conversation, or the conversation list, live",
	Long: "Without arguments, reprint the conversation list whenever it changes.\n" +
		"With a conversation id, print messages as they arrive. Stop with Ctrl+C.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, logger := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, client, cfg, watchBackend, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		var metrics *connectlink.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = connectlink.NewMetrics(reg)
			shutdown := serveMetrics(watchMetricsAddr, reg, logger)
			defer shutdown()
		}

		engine := newEngine(b, cfg, logger, metrics)
		defer engine.Shutdown()

		engine.On(connectlink.EventAuthRequired, func(ev connectlink.Event) {
			fmt.Fprintf(os.Stderr, "Session rejected: %v\n", ev.Err)
			stop()
		})
		engine.On(connectlink.EventSyncError, func(ev connectlink.Event) {
			logger.Warn().Err(ev.Err).Str("conversation", ev.ConversationID).Msg("sync failed, retrying")
		})

		if len(args) == 1 {
			err = watchConversation(ctx, engine, args[0])
		} else {
			err = watchList(ctx, engine)
		}
		if err != nil {
			return describe(err)
		}
		<-ctx.Done()
		return nil
	},
}

// watchConversation prints every confirmed message once, in log order.
func watchConversation(ctx context.Context, engine *connectlink.Engine, conversationID string) error {
	var (
		mu      sync.Mutex
		printed = map[string]bool{}
		names   = map[string]string{}
	)
	flush := func(view *connectlink.LocalView) {
		mu.Lock()
		defer mu.Unlock()
		var fresh []connectlink.Message
		for _, e := range view.Messages() {
			if e.Status == connectlink.StatusConfirmed && !printed[e.ID] {
				printed[e.ID] = true
				fresh = append(fresh, e.Message)
			}
		}
		if len(fresh) == 0 {
			return
		}
		if profiles, err := engine.SenderProfiles(ctx, conversationID); err == nil {
			for id, p := range profiles {
				names[id] = valueOrDefault(p.DisplayName, p.Username)
			}
		}
		for _, m := range fresh {
			fmt.Println(formatMessage(m, names[m.SenderID]))
		}
	}

	engine.On(connectlink.EventViewUpdated, func(ev connectlink.Event) {
		if ev.ConversationID != conversationID {
			return
		}
		if view, ok := engine.View(conversationID); ok {
			flush(view)
		}
	})

	view, err := engine.Open(ctx, conversationID)
	if err != nil {
		return err
	}
	flush(view)
	return nil
}

// watchList reprints the conversation list on every change.
func watchList(ctx context.Context, engine *connectlink.Engine) error {
	render := func(entries []connectlink.ConversationEntry) {
		fmt.Printf("--- %s ---\n", time.Now().Format("15:04:05"))
		if len(entries) == 0 {
			fmt.Println("No conversations found.")
			return
		}
		now := time.Now()
		for _, e := range entries {
			fmt.Println(formatEntry(e, now))
		}
	}

	engine.On(connectlink.EventConversationsUpdated, func(ev connectlink.Event) {
		render(ev.Entries)
	})

	entries, err := engine.Conversations(ctx)
	if err != nil {
		return err
	}
	render(entries)

	stopWatch, err := engine.WatchConversations()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		stopWatch()
	}()
	return nil
}

// serveMetrics exposes reg on addr under /metrics.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics on /metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	watchBackend.register(watchCmd.Flags())
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}
