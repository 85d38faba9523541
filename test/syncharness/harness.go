// Package syncharness runs several simulated devices against a real
// stellar-sync server so cross-device behavior can be tested end to end.
package syncharness

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/prabhask5/stellar-sub000/internal/api"
	"github.com/prabhask5/stellar-sub000/internal/conflict"
	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/queue"
	"github.com/prabhask5/stellar-sub000/internal/realtime"
	"github.com/prabhask5/stellar-sub000/internal/recent"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
	"github.com/prabhask5/stellar-sub000/internal/syncclient"
)

const secret = "harness-secret"

// SimulatedClient is one device with its own replica, queue and engine.
type SimulatedClient struct {
	DeviceID string
	UserID   string
	DB       *db.DB
	Queue    *queue.Queue
	Engine   *tdsync.Engine
	Editing  *editguard.Coordinator
	Recent   *recent.Cache
	Client   *syncclient.Client
	Listener *realtime.Listener

	stop context.CancelFunc
}

// Harness orchestrates multi-device sync testing.
type Harness struct {
	t       *testing.T
	Server  *api.Server
	BaseURL string
	Clients map[string]*SimulatedClient
}

// NewHarness starts a server on a loopback port backed by a temp-dir change
// log and creates numClients devices ("client-A", "client-B", ...) for userID.
func NewHarness(t *testing.T, numClients int, userID string) *Harness {
	t.Helper()

	store, err := api.OpenStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	srv, err := api.NewServer(api.Config{
		ListenAddr:       "127.0.0.1:0",
		JWTSecret:        secret,
		RateLimitPush:    100000,
		RateLimitPull:    100000,
		RateLimitOther:   100000,
		FeedPingInterval: time.Minute,
	}, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	h := &Harness{
		t:       t,
		Server:  srv,
		BaseURL: "http://" + srv.Addr().String(),
		Clients: make(map[string]*SimulatedClient),
	}
	t.Cleanup(func() {
		for _, c := range h.Clients {
			c.close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		api.CloseStore(store)
	})

	for i := 0; i < numClients; i++ {
		h.AddClient(fmt.Sprintf("client-%c", 'A'+i), userID)
	}
	return h
}

// AddClient creates a device with a fresh replica.
func (h *Harness) AddClient(deviceID, userID string) *SimulatedClient {
	h.t.Helper()

	replica, err := db.Open(h.t.TempDir())
	if err != nil {
		h.t.Fatalf("%s: open replica: %v", deviceID, err)
	}
	log := slog.Default().With("device", deviceID)
	device := func() string { return deviceID }
	cache := recent.New(recent.DefaultTTL)

	q, err := queue.Open(context.Background(), queue.Config{
		DB:       replica,
		DeviceID: device,
		Recent:   cache,
		Logger:   log,
	})
	if err != nil {
		h.t.Fatalf("%s: open queue: %v", deviceID, err)
	}

	token, err := api.IssueToken([]byte(secret), userID, time.Hour)
	if err != nil {
		h.t.Fatalf("%s: issue token: %v", deviceID, err)
	}
	client := syncclient.New(h.BaseURL, token, deviceID)
	editing := editguard.New(editguard.Config{})

	engine, err := tdsync.NewEngine(tdsync.Config{
		DB:       replica,
		Queue:    q,
		Remote:   syncclient.NewRemote(client),
		Additive: conflict.DefaultRegistry(),
		Recent:   cache,
		Editing:  editing,
		DeviceID: device,
		Logger:   log,
	})
	if err != nil {
		h.t.Fatalf("%s: new engine: %v", deviceID, err)
	}

	c := &SimulatedClient{
		DeviceID: deviceID,
		UserID:   userID,
		DB:       replica,
		Queue:    q,
		Engine:   engine,
		Editing:  editing,
		Recent:   cache,
		Client:   client,
	}
	h.Clients[deviceID] = c
	return c
}

// StartRealtime subscribes a device to the changefeed and waits until the
// subscription is live.
func (h *Harness) StartRealtime(deviceID string) {
	h.t.Helper()
	c := h.client(deviceID)

	listener, err := realtime.New(realtime.Config{
		Subscribe: func(ctx context.Context, userID string) (realtime.Subscription, error) {
			f, err := c.Client.Subscribe(ctx, userID)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
		Applier:     c.Engine.Applier(),
		BaseDelay:   50 * time.Millisecond,
		MaxAttempts: 3,
		Logger:      slog.Default().With("device", deviceID),
	})
	if err != nil {
		h.t.Fatalf("%s: new listener: %v", deviceID, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.Listener = listener
	c.stop = cancel
	if err := listener.Start(ctx, c.UserID); err != nil {
		h.t.Fatalf("%s: start listener: %v", deviceID, err)
	}
	h.Eventually(deviceID+" realtime connected", func() bool {
		return listener.State() == realtime.StateConnected
	})
}

// Mutate performs a local write on a device.
func (h *Harness) Mutate(deviceID string, op events.ActionType, table, entityID string, fields map[string]any) {
	h.t.Helper()
	if _, err := h.client(deviceID).Queue.Mutate(context.Background(), table, entityID, op, fields); err != nil {
		h.t.Fatalf("%s: %s %s/%s: %v", deviceID, op, table, entityID, err)
	}
}

// Sync runs one full push and pull cycle on a device.
func (h *Harness) Sync(deviceID string) *tdsync.Result {
	h.t.Helper()
	res, err := h.client(deviceID).Engine.PerformSync(context.Background())
	if err != nil {
		h.t.Fatalf("%s: sync: %v", deviceID, err)
	}
	if len(res.Errors) > 0 {
		h.t.Fatalf("%s: sync errors: %v", deviceID, res.Errors)
	}
	return res
}

// SyncAll syncs every device once in name order.
func (h *Harness) SyncAll() {
	h.t.Helper()
	for _, id := range h.clientIDs() {
		h.Sync(id)
	}
}

// QueryEntity returns a device's record for table/id, or nil if absent.
func (h *Harness) QueryEntity(deviceID, table, entityID string) map[string]any {
	h.t.Helper()
	e, err := h.client(deviceID).DB.Get(context.Background(), table, entityID)
	if err != nil {
		h.t.Fatalf("%s: get %s/%s: %v", deviceID, table, entityID, err)
	}
	if e == nil {
		return nil
	}
	return e.Record()
}

// AssertConverged fails unless every device holds the same records in table.
func (h *Harness) AssertConverged(table string) {
	h.t.Helper()
	ids := h.clientIDs()
	want := h.snapshot(ids[0], table)
	for _, id := range ids[1:] {
		if diff := cmp.Diff(want, h.snapshot(id, table)); diff != "" {
			h.t.Errorf("%s diverged from %s in %s (-%s +%s):\n%s", id, ids[0], table, ids[0], id, diff)
		}
	}
}

// Eventually polls cond until it holds or two seconds pass.
func (h *Harness) Eventually(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *Harness) snapshot(deviceID, table string) map[string]map[string]any {
	h.t.Helper()
	entities, err := h.client(deviceID).DB.List(context.Background(), table)
	if err != nil {
		h.t.Fatalf("%s: list %s: %v", deviceID, table, err)
	}
	out := make(map[string]map[string]any, len(entities))
	for _, e := range entities {
		out[e.ID] = e.Record()
	}
	return out
}

func (h *Harness) client(deviceID string) *SimulatedClient {
	h.t.Helper()
	c, ok := h.Clients[deviceID]
	if !ok {
		h.t.Fatalf("unknown client %s", deviceID)
	}
	return c
}

func (h *Harness) clientIDs() []string {
	ids := make([]string, 0, len(h.Clients))
	for id := range h.Clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *SimulatedClient) close() {
	if c.Listener != nil {
		c.Listener.Stop()
	}
	if c.stop != nil {
		c.stop()
	}
	c.DB.Close()
}
