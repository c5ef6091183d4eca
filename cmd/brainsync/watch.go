package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mybrain-app/brainsync"
)

var (
	watchMetricsAddr string
	watchRefetch     bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchRefetch, "refetch", false, "Refetch invalidated data in the background")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream live realtime events",
	Long:  "Connect to the realtime server and print events as they arrive. With a conversation id the conversation is joined and typing is summarized.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		logger := newLogger()
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := brainsync.NewMetrics(reg)

		addr := valueOrDefault(watchMetricsAddr, cfg.Default.MetricsAddr)
		if addr != "" {
			srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
				}
			}()
			defer srv.Close()
			fmt.Printf("Serving metrics on %s/metrics\n", addr)
		}

		m, err := newManager(cfg, logger,
			brainsync.WithMetrics(metrics),
			brainsync.WithConfig(brainsync.RealtimeConfig{RefetchOnInvalidate: watchRefetch}),
		)
		if err != nil {
			return err
		}
		defer m.Close()

		cache := brainsync.NewMemoryCache()
		cache.OnInvalidate(func(key string) {
			fmt.Printf("%s  stale: %s\n", stamp(), key)
		})

		typing := brainsync.NewTypingTracker(m)
		typing.OnChange(func(conversationID string) {
			summary := typing.Summary(conversationID)
			if summary == "" {
				summary = "nobody is typing"
			}
			fmt.Printf("%s  typing %s: %s\n", stamp(), conversationID, summary)
		})

		presence := brainsync.NewPresenceTracker(m, cache, brainsync.PresenceSinkFunc(func(rec brainsync.PresenceRecord) int {
			state := string(rec.Status)
			if !rec.IsOnline && rec.LastSeenAt != nil {
				state += ", last seen " + rec.LastSeenAt.Local().Format(time.Kitchen)
			}
			fmt.Printf("%s  presence %s: %s\n", stamp(), rec.UserID, state)
			return 0
		}))

		if cfg.Default.RedisAddr != "" {
			store, err := brainsync.DialRedisPresenceStore(ctx, cfg.Default.RedisAddr, logger.Named("redis"))
			if err != nil {
				return err
			}
			defer store.Close()
			presence.AddSink(store)
			fmt.Printf("Mirroring presence to redis at %s\n", cfg.Default.RedisAddr)
		}

		conv := brainsync.NewConversationSync(m, getClient(cfg), cache, typing)

		m.OnStatus(func(st brainsync.Status) {
			switch {
			case st.Connected:
				fmt.Printf("%s  connected\n", stamp())
			case st.Authenticated && st.LastError != "":
				fmt.Printf("%s  disconnected (attempt %d): %s\n", stamp(), st.Attempts, st.LastError)
			case st.Authenticated:
				fmt.Printf("%s  connecting\n", stamp())
			}
		})

		for _, event := range []string{brainsync.EventMessageNew, brainsync.EventMessageRead, brainsync.EventMessageReaction} {
			m.Registry().Subscribe("watch", event, func(data json.RawMessage) {
				fmt.Printf("%s  %s %s\n", stamp(), event, data)
			})
		}

		typing.Start()
		defer typing.Stop()
		presence.Start()
		defer presence.Stop()
		conv.Start()
		defer conv.Close()

		if len(args) == 1 {
			conv.Open(args[0])
		}
		m.SetSession(session(cfg))

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func stamp() string {
	return time.Now().Format("15:04:05")
}
