package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	carerecords "github.com/care-records-pro/sdk/golang"
)

// getSettings loads the config file and applies env and flag overrides.
func getSettings() *settings {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return s
}

func newLogger(format, level string) zerolog.Logger {
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// session bundles the client, the offline store and the manager every
// data command works through.
type session struct {
	settings *settings
	logger   zerolog.Logger
	client   *carerecords.Client
	store    carerecords.Store
	monitor  *carerecords.Monitor
	offline  *carerecords.OfflineManager
	records  *carerecords.Records
}

// openSession opens the offline store and wires the client, monitor and
// offline manager. metrics may be nil. A store that cannot be opened is
// replaced by an in-memory one.
func openSession(s *settings, metrics *carerecords.SyncMetrics) *session {
	logger := newLogger(s.LogFormat, s.LogLevel)

	client := carerecords.NewClient(s.BaseURL,
		carerecords.WithTimeout(s.RequestTimeout),
		carerecords.WithLogger(logger),
	)
	var store carerecords.Store
	if sqlite, err := carerecords.OpenSQLiteStore(s.DBPath); err == nil {
		store = sqlite
	} else {
		// Keep working in memory; queued changes will not survive exit.
		logger.Warn().Err(err).Str("path", s.DBPath).Msg("offline store unavailable, using memory")
		fmt.Fprintln(os.Stderr, color.New(color.FgYellow).Sprint("Warning: offline store unavailable; changes may not survive a restart"))
		store = carerecords.NewMemoryStore()
	}
	monitor := carerecords.NewMonitor(client, &carerecords.MonitorOptions{
		PollInterval: s.PollInterval,
		Logger:       &logger,
		Metrics:      metrics,
	})
	offline := carerecords.NewOfflineManager(store, client, &carerecords.OfflineOptions{
		RetryCeiling:        s.RetryCeiling,
		RequestTimeout:      s.RequestTimeout,
		SyncInterval:        s.SyncInterval,
		Monitor:             monitor,
		Logger:              &logger,
		Metrics:             metrics,
		AbandonClientErrors: s.AbandonClientErrors,
	})
	offline.On(carerecords.EventStorageUnavailable, func(_ string, _ any) {
		fmt.Fprintln(os.Stderr, color.New(color.FgYellow).Sprint("Warning: offline store unavailable; changes may not survive a restart"))
	})

	return &session{
		settings: s,
		logger:   logger,
		client:   client,
		store:    store,
		monitor:  monitor,
		offline:  offline,
		records:  carerecords.NewRecords(offline),
	}
}

func (s *session) Close() {
	s.monitor.Stop()
	s.offline.Stop()
	s.store.Close()
}

// mustSession is openSession for commands without special wiring.
func mustSession() *session {
	return openSession(getSettings(), nil)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func printYAML(v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Print(string(b))
	return nil
}

// reportWrite prints the outcome of a mutation.
func reportWrite(action string, resp *carerecords.Response) {
	if resp.Queued {
		fmt.Printf("%s %s (change %s will be sent when the backend is reachable)\n",
			action, color.New(color.FgYellow).Sprint("queued offline"), resp.ChangeID)
		return
	}
	fmt.Printf("%s %s\n", action, color.New(color.FgGreen).Sprint("saved"))
}

// describeError turns library errors into CLI messages.
func describeError(err error) error {
	var ve *carerecords.ValidationError
	var apiErr *carerecords.APIError
	switch {
	case errors.As(err, &ve):
		return fmt.Errorf("missing or invalid fields: %v", ve.Fields)
	case errors.As(err, &apiErr):
		return fmt.Errorf("server rejected the request (HTTP %d): %s", apiErr.StatusCode, valueOrDefault(apiErr.Message, "no details"))
	case errors.Is(err, carerecords.ErrOffline):
		return fmt.Errorf("backend unreachable and nothing cached yet; run a read while online first")
	}
	return err
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func stateBadge(state carerecords.ConnectivityState) string {
	switch state {
	case carerecords.StateConnected:
		return color.New(color.FgGreen).Sprint("CONNECTED")
	case carerecords.StateDisconnected:
		return color.New(color.FgRed).Sprint("DISCONNECTED")
	}
	return color.New(color.FgYellow).Sprint("CHECKING")
}
