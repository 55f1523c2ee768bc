package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	agentdesk "github.com/agentdesk/agentdesk-go"
)

var (
	watchWorkspace string
	watchTransport string
	watchListen    string
	watchPageSize  int
	watchSelect    string
	watchVerbose   bool
)

func init() {
	watchCmd.Flags().StringVar(&watchWorkspace, "workspace", "", "Workspace id (defaults to config)")
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Push transport: ws or sse (defaults to config, then ws)")
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "Serve POST /webhook and GET /metrics on this address")
	watchCmd.Flags().IntVar(&watchPageSize, "page-size", 50, "Conversations to load up front")
	watchCmd.Flags().StringVar(&watchSelect, "select", "", "Conversation id to open after the first page")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Debug logging")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a workspace's conversation list live",
	Long: "Load the first page for the saved filter, subscribe to push events and print every\n" +
		"change to the list and the selection until interrupted.",
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ws, err := workspaceOf(cfg, watchWorkspace)
	if err != nil {
		return err
	}
	transport := watchTransport
	if transport == "" {
		transport = valueOrDefault(cfg.Watch.Transport, "ws")
	}
	listen := valueOrDefault(watchListen, cfg.Watch.Listen)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(watchVerbose).With().
		Str("session_id", uuid.NewString()).
		Str("workspace_id", ws).
		Logger()

	client := getClient(cfg)
	me, err := client.Account.Me(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}

	store, err := openFilterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := agentdesk.EngineOptions{
		User:        *me,
		WorkspaceID: ws,
		Fetcher:     client.Conversations,
		Teams:       client.Teams,
		FilterStore: store,
		Logger:      &logger,
	}
	if saved, err := store.LoadFilter(ctx, ws); err == nil && saved == nil {
		f := defaultFilter()
		opts.Filter = &f
	}

	engine := agentdesk.NewEngine(opts)
	printEngineEvents(engine)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("engine stop")
		}
	}()

	if err := engine.RefreshTeams(ctx); err != nil {
		logger.Warn().Err(err).Msg("teams unavailable; permission checks are strict")
	}
	if _, err := engine.LoadPage(ctx, 0, watchPageSize); err != nil {
		return fmt.Errorf("load first page: %w", err)
	}
	if watchSelect != "" {
		if _, err := engine.Select(ctx, watchSelect); err != nil {
			logger.Warn().Err(err).Str("conversation_id", watchSelect).Msg("select failed")
		}
	}

	rtConfig := &agentdesk.RealtimeConfig{
		WorkspaceID:          ws,
		AutoReconnect:        true,
		MaxReconnectAttempts: -1,
		Logger:               &logger,
	}
	disconnect, err := connectTransport(ctx, client, transport, rtConfig, engine)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return disconnect()
	})

	if listen != "" {
		srv, err := newListener(listen, cfg.Watch.WebhookSecret, engine, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info().Str("addr", listen).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// connectTransport subscribes the engine to the chosen push channel and
// returns its disconnect function.
func connectTransport(ctx context.Context, client *agentdesk.Client, transport string, cfg *agentdesk.RealtimeConfig, engine *agentdesk.Engine) (func() error, error) {
	switch transport {
	case "ws":
		rt := client.Realtime.ConnectWS(cfg)
		rt.OnEvent(engine.HandleEvent)
		rt.OnDisconnected(func(code int, reason string) {
			cfg.Logger.Warn().Int("code", code).Str("reason", reason).Msg("push channel closed")
		})
		if err := rt.Connect(ctx); err != nil {
			return nil, err
		}
		return rt.Disconnect, nil
	case "sse":
		rt := client.Realtime.ConnectSSE(cfg)
		rt.OnEvent(engine.HandleEvent)
		rt.OnDisconnected(func(code int, reason string) {
			cfg.Logger.Warn().Int("code", code).Str("reason", reason).Msg("push channel closed")
		})
		if err := rt.Connect(ctx); err != nil {
			return nil, err
		}
		return rt.Disconnect, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: ws, sse)", transport)
	}
}

// newListener builds the side HTTP server. Webhook ingestion is mounted only
// when a secret is configured.
func newListener(addr, secret string, engine *agentdesk.Engine, logger zerolog.Logger) (*http.Server, error) {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok depth=%d\n", engine.QueueStats().Depth)
	})

	if secret != "" {
		wh, err := agentdesk.NewWebhookReceiver(secret, engine.HandleEvent, logger)
		if err != nil {
			return nil, err
		}
		r.Post("/webhook", wh.HTTPHandlerFunc())
	} else {
		logger.Info().Msg("no webhook secret configured; /webhook disabled")
	}

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// printEngineEvents writes one line per list or selection change to stdout.
func printEngineEvents(engine *agentdesk.Engine) {
	line := func(verb string, c *agentdesk.Conversation) {
		preview := ""
		if c.LastActivity != nil {
			preview = fmt.Sprintf(" last=%s %s", c.LastActivity.Type, c.LastActivity.Timestamp.Format(time.RFC3339))
		}
		fmt.Printf("%-8s %s state=%s assumed=%t%s\n", verb, c.ID, c.State, c.Assumed, preview)
	}
	engine.On(agentdesk.EngineConversationAdded, func(_ string, p any) {
		line("added", p.(*agentdesk.Conversation))
	})
	engine.On(agentdesk.EngineConversationUpdated, func(_ string, p any) {
		line("updated", p.(*agentdesk.Conversation))
	})
	engine.On(agentdesk.EngineConversationRemoved, func(_ string, p any) {
		line("removed", p.(*agentdesk.Conversation))
	})
	engine.On(agentdesk.EngineSelectionChanged, func(_ string, p any) {
		c, _ := p.(*agentdesk.Conversation)
		if c == nil {
			fmt.Println("selected (none)")
			return
		}
		line("selected", c)
	})
	engine.On(agentdesk.EngineNotification, func(_ string, p any) {
		n := p.(agentdesk.Notification)
		fmt.Fprintf(os.Stderr, "[%s] %s %s\n", n.Level, n.ConversationID, n.Message)
	})
	engine.On(agentdesk.EnginePageLoaded, func(_ string, p any) {
		r := p.(agentdesk.PageResult)
		fmt.Printf("page     offset=%d count=%d\n", r.Offset, r.Count)
	})
}
