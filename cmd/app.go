package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/conflict"
	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/deviceid"
	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/queue"
	"github.com/prabhask5/stellar-sub000/internal/recent"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
	"github.com/prabhask5/stellar-sub000/internal/syncclient"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
)

// app holds the components one command invocation works with.
type app struct {
	db      *db.DB
	queue   *queue.Queue
	recent  *recent.Cache
	editing *editguard.Coordinator
	engine  *tdsync.Engine
	client  *syncclient.Client
	device  func() string
	log     *slog.Logger
}

// getDataDir returns the replica directory: --data-dir, then syncconfig.
func getDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	return syncconfig.GetDataDir()
}

// openApp opens the replica and wires the queue, coordinator and engine.
// The engine talks to the configured server; commands that never go online
// still get one so that status reads work.
func openApp(ctx context.Context) (*app, error) {
	dir, err := getDataDir()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	log := slog.Default()
	device := deviceid.GetDeviceID
	cache := recent.New(syncconfig.GetRecentTTL())

	q, err := queue.Open(ctx, queue.Config{
		DB:       database,
		DeviceID: device,
		Recent:   cache,
		Clock:    time.Now,
		Logger:   log,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	editing := editguard.New(editguard.Config{})
	client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAuthToken(), device())

	engine, err := tdsync.NewEngine(tdsync.Config{
		DB:       database,
		Queue:    q,
		Remote:   syncclient.NewRemote(client),
		Additive: conflict.DefaultRegistry(),
		Recent:   cache,
		Editing:  editing,
		DeviceID: device,
		Logger:   log,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	return &app{
		db:      database,
		queue:   q,
		recent:  cache,
		editing: editing,
		engine:  engine,
		client:  client,
		device:  device,
		log:     log,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
