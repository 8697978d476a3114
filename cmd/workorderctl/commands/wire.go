package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/allocator"
	"github.com/orderforge/workorder/internal/config"
	"github.com/orderforge/workorder/internal/engine"
	"github.com/orderforge/workorder/internal/executor"
	"github.com/orderforge/workorder/internal/idempotency"
	"github.com/orderforge/workorder/internal/lease"
	"github.com/orderforge/workorder/internal/lease/pglock"
	"github.com/orderforge/workorder/internal/lease/rediskv"
	"github.com/orderforge/workorder/internal/maintenance"
	"github.com/orderforge/workorder/internal/model"
	"github.com/orderforge/workorder/internal/provenance"
	"github.com/orderforge/workorder/internal/registry"
	"github.com/orderforge/workorder/internal/statemachine"
	"github.com/orderforge/workorder/internal/store/postgres"
)

var log = logrus.NewEntry(logrus.StandardLogger())

// handle is the assembled production wiring an invoked subcommand drives,
// plus the teardown it must run before the process exits.
type handle struct {
	Engine *engine.Engine
	close  func() error
}

// buildEngine wires every component package of spec §6 into one
// engine.Engine, the same composition root shape as the teacher's
// cmd/orchestrator/main.go: load config, connect storage, construct each
// collaborator independently, and hand the assembled set to the facade.
//
// Order-type handlers are registered by the embedding process (spec §4.3
// "user-plugged policies"), never shipped here — a fresh registry.New() is
// intentionally empty; propose against an unregistered type surfaces as
// engine.UnknownType, not a CLI-level error.
func buildEngine() (*handle, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	dbCfg := postgres.DefaultConfig()
	dbCfg.LoadFromEnv()
	db, err := postgres.Connect(dbCfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if !skipMigrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	machine := statemachine.New(adjacencyFromConfig(cfg.StateMachine), log)
	reg := registry.New()

	leaseBackend, closeLeaseBackend, err := buildLeaseBackend(cfg.Lease, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	leaseCfg := lease.Config{
		TTL:            time.Duration(cfg.Lease.TTLSeconds) * time.Second,
		HeartbeatEvery: time.Duration(cfg.Lease.HeartbeatEverySeconds) * time.Second,
		AgentCap:       intOrZero(cfg.Lease.MaxPerAgent),
		TypeCap:        intOrZero(cfg.Lease.MaxPerType),
	}
	leaseEngine := lease.NewEngine(db, machine, leaseBackend, leaseCfg, log)

	alloc := allocator.New(db, reg, machine, allocator.RequiredFieldsValidator{}, cfg.Retry.DefaultMaxAttempts, log)
	exec := executor.New(db, reg, machine, leaseEngine, log)
	idem := idempotency.New(db, log)
	prov := provenance.New(db)

	publisher, err := buildMaintenancePublisher()
	if err != nil {
		closeLeaseBackend()
		db.Close()
		return nil, err
	}
	maintCfg := maintenance.Config{
		DeadLetterAfter:     time.Duration(cfg.Maintenance.DeadLetterAfterHours) * time.Hour,
		StaleOrderThreshold: time.Duration(cfg.Maintenance.StaleOrderThresholdHours) * time.Hour,
		ReclaimBatchSize:    100,
	}
	maint := maintenance.New(db, machine, leaseEngine, publisher, maintCfg, log)

	eng := engine.New(db, machine, alloc, exec, leaseEngine, idem, prov, maint, *cfg, log)

	return &handle{
		Engine: eng,
		close: func() error {
			closeLeaseBackend()
			return db.Close()
		},
	}, nil
}

// adjacencyFromConfig overrides statemachine.DefaultAdjacency() with any
// state_machine.{order,item}_transitions the config names, leaving every
// unmentioned source state's edges at the default (an empty config leaves
// the graph untouched).
func adjacencyFromConfig(sc config.StateMachineConfig) *statemachine.AdjacencyConfig {
	adj := statemachine.DefaultAdjacency()
	for from, tos := range sc.OrderTransitions {
		edges := make(map[model.OrderState]bool, len(tos))
		for _, to := range tos {
			edges[model.OrderState(to)] = true
		}
		adj.Order[model.OrderState(from)] = edges
	}
	for from, tos := range sc.ItemTransitions {
		edges := make(map[model.ItemState]bool, len(tos))
		for _, to := range tos {
			edges[model.ItemState(to)] = true
		}
		adj.Item[model.ItemState(from)] = edges
	}
	return adj
}

// buildLeaseBackend selects the database or key-value lease backend per
// cfg.Backend (spec §6 lease.backend). The database backend shares db's
// connection pool, so its teardown is a no-op; the process-level db.Close()
// in buildEngine covers it.
func buildLeaseBackend(cfg config.LeaseConfig, db *postgres.DB) (lease.Backend, func(), error) {
	switch cfg.Backend {
	case "keyvalue":
		client, err := newRedisClient()
		if err != nil {
			return nil, nil, fmt.Errorf("connect lease redis: %w", err)
		}
		return rediskv.New(client), func() { client.Close() }, nil
	default:
		return pglock.New(db.SqlxDB()), func() {}, nil
	}
}

// buildMaintenancePublisher returns a RedisPublisher when WORKORDER_REDIS_URL
// is set, so a running instance can be named via WORKORDER_INSTANCE_NAME;
// otherwise diagnostics are dropped (maintenance.NoopPublisher), matching
// the spec's "publisher is best-effort, never a correctness dependency".
func buildMaintenancePublisher() (maintenance.Publisher, error) {
	url := os.Getenv("WORKORDER_REDIS_URL")
	if url == "" {
		return maintenance.NoopPublisher{}, nil
	}
	client, err := newRedisClientFromURL(url)
	if err != nil {
		return nil, fmt.Errorf("connect maintenance redis: %w", err)
	}
	instance := os.Getenv("WORKORDER_INSTANCE_NAME")
	if instance == "" {
		instance = "default"
	}
	return maintenance.NewRedisPublisher(client, instance), nil
}

func newRedisClient() (*redis.Client, error) {
	url := os.Getenv("WORKORDER_LEASE_REDIS_URL")
	if url == "" {
		return nil, fmt.Errorf("lease.backend is 'keyvalue' but WORKORDER_LEASE_REDIS_URL is unset")
	}
	return newRedisClientFromURL(url)
}

func newRedisClientFromURL(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
