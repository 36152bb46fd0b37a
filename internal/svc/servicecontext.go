package svc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neboloop/tabrelay/internal/callback"
	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/db"
	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/middleware"
	"github.com/neboloop/tabrelay/internal/relay"
	"github.com/neboloop/tabrelay/internal/tabs"
)

const maintenanceTimeout = 30 * time.Second

// errorLogRetention bounds how long crash records are kept.
const errorLogRetention = 7 * 24 * time.Hour

type ServiceContext struct {
	Config  config.Config
	Version string

	DB        *db.Store
	Callbacks *callback.Engine
	Tabs      *tabs.Manager
	Bus       *events.Bus
	Relay     *relay.Relay

	cronMu    sync.Mutex
	cron      *cron.Cron
	hooks     []func()
	closeOnce sync.Once
}

// NewServiceContext opens the store and wires every component over it. Pass a
// *db.Store to reuse an existing database connection, or nil to open c.Database.
func NewServiceContext(c config.Config, database *db.Store) (*ServiceContext, error) {
	if database == nil {
		var err error
		database, err = db.Open(c.Database.SQLitePath, db.Options{
			CheckpointInterval: c.Database.CheckpointInterval,
		})
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	if n, err := database.CloseDanglingConnections(ctx, time.Now()); err != nil {
		logging.Warnf("[svc] settling stale connection records failed: %v", err)
	} else if n > 0 {
		logging.Infof("[svc] settled %d connection records from a previous run", n)
	}

	crashlog.Init(database)

	svc := &ServiceContext{
		Config: c,
		DB:     database,
		Bus:    events.NewBus(logging.Named("events")),
	}
	svc.Callbacks = callback.New(database, callback.Options{
		Expiry:      c.Callbacks.Expiry,
		PushTimeout: c.Callbacks.PushTimeout,
		Logger:      logging.Named("callback"),
	})
	svc.Tabs = tabs.NewManager(database, logging.Named("tabs"))
	if err := svc.Tabs.Load(ctx); err != nil {
		logging.Warnf("[svc] restoring tab snapshot failed: %v", err)
	}

	opts := relay.Options{
		MaxExtensionClients: c.Server.MaxExtensionClients,
		PingInterval:        c.Server.PingInterval,
		SweepInterval:       c.Server.SweepInterval,
		PollInterval:        c.HTML.PollInterval,
		PollTimeout:         c.HTML.PollTimeout,
		Logger:              logging.Named("relay"),
	}
	if c.AuthEnabled() {
		opts.Authenticate = middleware.Authenticator(c.Auth.Secret)
		logging.Info("[svc] token auth enabled for automation peers")
	}
	svc.Relay = relay.New(database, svc.Callbacks, svc.Tabs, svc.Bus, opts)

	svc.hooks = []func(){
		lifecycle.OnServerStarted(func(addr string) {
			logging.Infof("[svc] relay listening on %s", addr)
		}),
		lifecycle.OnShutdown(database.BeginShutdown),
		lifecycle.OnPeerRejected(svc.recordRejection),
		lifecycle.OnPeerDisconnected(svc.recordDrop),
	}

	return svc, nil
}

// recordRejection keeps ceiling rejections in the crash log so operators can see a
// second extension being turned away.
func (svc *ServiceContext) recordRejection(p lifecycle.PeerEventData) {
	if p.Reason != relay.ReasonExtensionLimit {
		return
	}
	crashlog.LogWarn("relay", "peer rejected: "+p.Reason, peerContext(p))
}

// recordDrop logs peers the sweeper evicted. Ordinary closes are not recorded.
func (svc *ServiceContext) recordDrop(p lifecycle.PeerEventData) {
	switch p.Reason {
	case relay.ReasonNoPong, relay.ReasonPingFailed:
		crashlog.LogWarn("relay", "peer dropped: "+p.Reason, peerContext(p))
	}
}

func peerContext(p lifecycle.PeerEventData) map[string]string {
	return map[string]string{"peer": p.ID, "kind": p.Kind, "addr": p.Address}
}

// StartMaintenance schedules expiry of stale callback registrations and old crash records.
func (svc *ServiceContext) StartMaintenance() error {
	svc.cronMu.Lock()
	defer svc.cronMu.Unlock()
	if svc.cron != nil {
		return nil
	}

	interval := svc.Config.Callbacks.CleanupInterval
	if interval <= 0 {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), svc.ExpireCallbacks); err != nil {
		return fmt.Errorf("schedule callback cleanup: %w", err)
	}
	if _, err := c.AddFunc("@daily", svc.PruneErrorLogs); err != nil {
		return fmt.Errorf("schedule error log pruning: %w", err)
	}
	c.Start()
	svc.cron = c
	return nil
}

// ExpireCallbacks removes registrations older than the configured expiry.
func (svc *ServiceContext) ExpireCallbacks() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	n, err := svc.Callbacks.ExpireOldRegistrations(ctx)
	if err != nil {
		crashlog.LogError("svc", err, map[string]string{"job": "callback_cleanup"})
		return
	}
	if n > 0 {
		logging.Debugf("[svc] expired %d callback registrations", n)
	}
}

// PruneErrorLogs drops crash records past the retention window.
func (svc *ServiceContext) PruneErrorLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	if n, err := crashlog.Prune(ctx, time.Now().Add(-errorLogRetention)); err != nil {
		logging.Warnf("[svc] error log pruning failed: %v", err)
	} else if n > 0 {
		logging.Debugf("[svc] pruned %d error log entries", n)
	}
}

// ApplyConfig applies the settings that can change without a restart.
func (svc *ServiceContext) ApplyConfig(c config.Config) {
	svc.Relay.SetMaxExtensionClients(c.Server.MaxExtensionClients)
	svc.Relay.SetPollTimeout(c.HTML.PollTimeout)
	svc.Config.Server.MaxExtensionClients = c.Server.MaxExtensionClients
	svc.Config.HTML.PollTimeout = c.HTML.PollTimeout
}

func (svc *ServiceContext) stopMaintenance() {
	svc.cronMu.Lock()
	c := svc.cron
	svc.cron = nil
	svc.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Close stops the relay and maintenance, drains pending pushes and closes the store.
// Safe to call more than once.
func (svc *ServiceContext) Close() {
	svc.closeOnce.Do(func() {
		for _, off := range svc.hooks {
			off()
		}
		svc.DB.BeginShutdown()
		svc.stopMaintenance()
		svc.Relay.Stop()
		svc.Callbacks.Wait()
		svc.Bus.Close()
		crashlog.Init(nil)
		if err := svc.DB.Close(); err != nil {
			logging.Errorf("[svc] closing store: %v", err)
		} else {
			logging.Info("SQLite database connection closed")
		}
		logging.Info("Service context closed")
	})
}
