package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	carerecords "github.com/care-records-pro/sdk/golang"
)

var (
	agentListen string
	agentNoFeed bool
)

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentListen, "listen", "", "Address for the local HTTP endpoint (default from sync.listen_addr)")
	agentCmd.Flags().BoolVar(&agentNoFeed, "no-feed", false, "Do not subscribe to the server change feed")
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background sync agent",
	Long: `Run connectivity monitoring, periodic queue replay and the server change
feed until interrupted. A local HTTP endpoint exposes /healthz, /status,
/sync, /metrics and, when sync.webhook_secret is set, /hooks/changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSettings()
		if cmd.Flags().Changed("listen") {
			s.ListenAddr = agentListen
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := carerecords.NewSyncMetrics(reg)

		sess := openSession(s, metrics)
		defer sess.Close()
		return runAgent(cmd.Context(), sess, reg, !agentNoFeed)
	},
}

// agent holds what the HTTP endpoint reports on.
type agent struct {
	sess    *session
	feed    *carerecords.ChangeFeed
	started time.Time
}

func runAgent(ctx context.Context, sess *session, reg *prometheus.Registry, withFeed bool) error {
	logger := sess.logger
	a := &agent{sess: sess, started: time.Now()}

	sess.monitor.Subscribe(func(prev, next carerecords.ConnectivityState) {
		logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("connectivity changed")
	})

	sess.monitor.Start(ctx)
	sess.offline.Start(ctx)

	if withFeed {
		a.feed = carerecords.NewChangeFeed(sess.settings.BaseURL, sess.offline, &carerecords.FeedConfig{
			AutoReconnect: true,
			Logger:        &logger,
		})
		if err := a.feed.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("change feed unavailable, will retry when the backend is reachable")
		}
		// The feed only backs off after a drop; a failed first dial is
		// retried on the next transition to connected.
		sess.monitor.Subscribe(func(_, next carerecords.ConnectivityState) {
			if next == carerecords.StateConnected && a.feed.State() == carerecords.FeedDisconnected {
				go func() {
					if err := a.feed.Connect(ctx); err != nil {
						logger.Debug().Err(err).Msg("change feed redial failed")
					}
				}()
			}
		})
		defer a.feed.Disconnect()
	}

	e, err := newAgentServer(a, reg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", sess.settings.ListenAddr).Msg("agent listening")
		if err := e.Start(sess.settings.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("agent endpoint: %w", err)
	}

	logger.Info().Msg("shutting down agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("agent endpoint forced to shutdown")
	}
	return nil
}

// agentStatus is the body of GET /status.
type agentStatus struct {
	State     carerecords.ConnectivityState `json:"state"`
	LastProbe carerecords.ProbeResult       `json:"lastProbe"`
	Pending   int                           `json:"pending"`
	Syncing   bool                          `json:"syncing"`
	Feed      string                        `json:"feed"`
	Uptime    string                        `json:"uptime"`
}

func newAgentServer(a *agent, reg *prometheus.Registry) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(requestLogger(a.sess.logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/status", func(c echo.Context) error {
		pending, err := a.sess.offline.PendingCount(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "offline store unavailable")
		}
		feed := "disabled"
		if a.feed != nil {
			feed = string(a.feed.State())
		}
		return c.JSON(http.StatusOK, agentStatus{
			State:     a.sess.monitor.State(),
			LastProbe: a.sess.monitor.LastProbe(),
			Pending:   pending,
			Syncing:   a.sess.offline.Syncing(),
			Feed:      feed,
			Uptime:    time.Since(a.started).Round(time.Second).String(),
		})
	})

	e.POST("/sync", func(c echo.Context) error {
		return c.JSON(http.StatusOK, a.sess.offline.Synchronize(c.Request().Context()))
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	if secret := a.sess.settings.WebhookSecret; secret != "" {
		wh, err := carerecords.NewChangeWebhook(secret, carerecords.CacheWebhookHandler(a.sess.offline))
		if err != nil {
			return nil, err
		}
		e.POST("/hooks/changes", echo.WrapHandler(wh.HTTPHandler()))
	}

	return e, nil
}

// requestLogger logs one line per request.
func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Debug()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
