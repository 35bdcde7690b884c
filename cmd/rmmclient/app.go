// cmd/rmmclient/app.go
package main

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/signalnine/rmmclient/internal/config"
	"github.com/signalnine/rmmclient/internal/events"
	"github.com/signalnine/rmmclient/internal/logging"
	"github.com/signalnine/rmmclient/internal/metrics"
	"github.com/signalnine/rmmclient/internal/remote"
	"github.com/signalnine/rmmclient/internal/store"
	"github.com/signalnine/rmmclient/internal/syncer"
)

// app holds everything a client command needs for one invocation
type app struct {
	cfg       *config.ClientConfig
	machineID string
	log       *zap.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	db        *store.DB
	coord     *syncer.Coordinator
}

type globalFlags struct {
	configPath string
	machineID  string
	logLevel   string
}

func newApp(g *globalFlags) (*app, error) {
	cfg, err := config.LoadClientConfig(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.machineID != "" {
		cfg.MachineID = g.machineID
	}
	machineID := strings.TrimSpace(cfg.MachineID)
	if machineID == "" {
		return nil, errors.New("no machine id: pass --machine, set machine_id or RMM_MACHINE_ID")
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if cfg.APIKey == config.DefaultAPIKey {
		log.Warn("using placeholder API key, set RMM_API_KEY")
	}

	m := metrics.New()

	client, err := remote.New(remote.Config{
		BaseURL:       cfg.APIBaseURL,
		APIKey:        cfg.APIKey,
		Timeout:       cfg.RequestTimeout,
		TLSSkipVerify: cfg.TLSSkipVerify,
	}, remote.WithLogger(log), remote.WithMetrics(m))
	if err != nil {
		log.Sync()
		return nil, err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Sync()
		return nil, err
	}

	// Events are optional; a broker that is down should not block local work.
	pub, err := events.NewNATSPublisher(cfg.NATSURL, log)
	if err != nil {
		log.Warn("event publishing disabled", zap.String("nats_url", cfg.NATSURL), zap.Error(err))
		pub = events.Nop{}
	}

	coord := syncer.New(client, db,
		syncer.WithLogger(log),
		syncer.WithMetrics(m),
		syncer.WithPublisher(pub),
		syncer.WithIncrementalPush(cfg.IncrementalPush),
	)

	return &app{
		cfg:       cfg,
		machineID: machineID,
		log:       log,
		metrics:   m,
		publisher: pub,
		db:        db,
		coord:     coord,
	}, nil
}

// Close releases the store and broker connection and flushes metrics.
func (a *app) Close() {
	if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		a.log.Warn("write metrics textfile", zap.String("path", a.cfg.MetricsTextfile), zap.Error(err))
	}
	a.publisher.Close()
	if err := a.db.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	a.log.Sync()
}
