package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/prabhask5/stellar-sub000/internal/realtime"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
	"github.com/prabhask5/stellar-sub000/internal/syncclient"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const probeInterval = 15 * time.Second

// daemon is a running sync session: scheduler, realtime listener and the
// connectivity probe sharing one app.
type daemon struct {
	app       *app
	scheduler *tdsync.Scheduler
	listener  *realtime.Listener
	userID    string
}

// newDaemon wires the scheduler and (when enabled and a user id is known)
// the realtime listener. Giving up on realtime falls back to a pull.
func newDaemon(a *app) (*daemon, error) {
	d := &daemon{app: a, userID: syncconfig.GetUserID()}

	d.scheduler = tdsync.NewScheduler(tdsync.SchedulerConfig{
		Engine:   a.engine,
		Interval: syncconfig.GetAutoSyncInterval(),
		Debounce: syncconfig.GetAutoSyncDebounce(),
		OnStart:  syncconfig.GetAutoSyncOnStart(),
		Logger:   a.log,
	})
	d.scheduler.TriggerOnReconnect(a.engine)

	if !syncconfig.GetRealtimeEnabled() || d.userID == "" {
		return d, nil
	}

	client := a.client
	listener, err := realtime.New(realtime.Config{
		Subscribe: func(ctx context.Context, userID string) (realtime.Subscription, error) {
			f, err := client.Subscribe(ctx, userID)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
		Applier:     a.engine.Applier(),
		BaseDelay:   syncconfig.GetRealtimeBaseDelay(),
		MaxAttempts: syncconfig.GetRealtimeMaxAttempts(),
		OnGiveUp:    func() { d.scheduler.Trigger(tdsync.ReasonFallback) },
		Logger:      a.log,
	})
	if err != nil {
		return nil, err
	}
	a.engine.OnOnlineChange(listener.SetOnline)
	d.listener = listener
	return d, nil
}

// Run drives every component until ctx is done.
func (d *daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.app.recent.Run(ctx)

	g.Go(func() error {
		d.scheduler.Run(ctx)
		return nil
	})

	g.Go(func() error {
		probeConnectivity(ctx, d.app.client, d.app.engine, probeInterval)
		return nil
	})

	if d.listener != nil {
		g.Go(func() error {
			if err := d.listener.Start(ctx, d.userID); err != nil {
				return fmt.Errorf("start realtime: %w", err)
			}
			<-ctx.Done()
			d.listener.Stop()
			return nil
		})
	}

	return g.Wait()
}

// healthChecker is the part of the sync client the probe uses.
type healthChecker interface {
	HealthCheck(ctx context.Context) (*syncclient.HealthResponse, error)
}

// onlineSetter is the part of the engine the probe drives.
type onlineSetter interface {
	Online() bool
	SetOnline(bool)
}

// probeConnectivity checks the server every interval and flips the engine's
// online flag when reachability changes. Only network failures count as
// offline; an HTTP error still means the server is reachable.
func probeConnectivity(ctx context.Context, client healthChecker, engine onlineSetter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		probeOnce(ctx, client, engine)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, client healthChecker, engine onlineSetter) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := client.HealthCheck(pctx)
	if ctx.Err() != nil {
		return
	}
	reachable := err == nil || !errors.Is(err, syncclient.ErrOffline)
	if reachable != engine.Online() {
		engine.SetOnline(reachable)
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync daemon in the foreground",
	Long: `Keep this device in sync until interrupted: periodic sync, debounced push
after local writes, the realtime changefeed with exponential-backoff reconnects,
and a connectivity probe that pauses everything while the server is unreachable.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: stellar auth login)")
			return fmt.Errorf("not authenticated")
		}
		quiet, _ := cmd.Flags().GetBool("quiet")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		d, err := newDaemon(a)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if !quiet {
			a.engine.OnStatusChange(func(s tdsync.Status) {
				fmt.Printf("%s sync %s\n", dimStyle.Render(time.Now().Format("15:04:05")), output.FormatStatus(s))
			})
			if d.listener != nil {
				d.listener.OnConnectionStateChange(func(s realtime.State) {
					fmt.Printf("%s realtime %s\n", dimStyle.Render(time.Now().Format("15:04:05")), s)
				})
				d.listener.OnRealtimeDataUpdate(func(u realtime.DataUpdate) {
					fmt.Printf("%s %s %s/%s (%s)\n", dimStyle.Render(time.Now().Format("15:04:05")), pullArrow, u.Table, output.ShortID(u.EntityID, 16), u.Event)
				})
			} else {
				output.Warning("realtime disabled or no user id; polling every %s", syncconfig.GetAutoSyncInterval())
			}
		}

		fmt.Printf("Watching as device %s (Ctrl+C to stop)\n", a.device())
		if err := d.Run(ctx); err != nil {
			output.Error("%v", err)
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolP("quiet", "q", false, "Do not print status and change lines")
	rootCmd.AddCommand(watchCmd)
}
