package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
)

const defaultMaxParallelStarts = 8

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Bridge Options
	// ServiceAuth lists tenant apps in the directory.
	ServiceAuth       string
	SyncInterval      time.Duration
	MaxParallelStarts int
}

// Manager runs one Bridge per bridged tenant.
//
// Each sync compares the directory's tenant list with the running bridges:
// new tenants are started, vanished ones stopped, and tenants whose
// modified stamp changed are restarted. A tenant whose broker rejected the
// bridge's credentials stays down until its modified stamp changes.
type Manager struct {
	dir    Directory
	dialer Dialer
	opts   ManagerOptions
	logger Logger

	mu      sync.Mutex
	bridges map[string]*Bridge
	// rejected maps tenant name to the modified stamp that was rejected.
	rejected map[string]string
}

// NewManager creates a Manager.
func NewManager(dir Directory, dialer Dialer, opts ManagerOptions, logger Logger) *Manager {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = time.Minute
	}
	if opts.MaxParallelStarts <= 0 {
		opts.MaxParallelStarts = defaultMaxParallelStarts
	}
	return &Manager{
		dir:      dir,
		dialer:   dialer,
		opts:     opts,
		logger:   logger,
		bridges:  make(map[string]*Bridge),
		rejected: make(map[string]string),
	}
}

// Run syncs immediately and then on every interval until ctx is cancelled,
// then stops every bridge.
func (m *Manager) Run(ctx context.Context) error {
	defer m.StopAll()

	ticker := time.NewTicker(m.opts.SyncInterval)
	defer ticker.Stop()

	for {
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("tenant sync failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync applies the directory's current tenant list. A failed listing
// changes nothing. Bridges started here run until ctx is cancelled.
func (m *Manager) Sync(ctx context.Context) error {
	apps, err := m.dir.ListApps(ctx, m.opts.ServiceAuth)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	want := make(map[string]Tenant)
	for _, app := range apps {
		if app.Bridged() {
			t := TenantFromApp(app)
			want[t.Name] = t
		}
	}

	var stop []*Bridge
	var start []Tenant

	m.mu.Lock()
	for name, b := range m.bridges {
		t, ok := want[name]
		if ok && t.Modified == b.Tenant().Modified {
			continue
		}
		stop = append(stop, b)
		delete(m.bridges, name)
	}
	for name, t := range want {
		if _, running := m.bridges[name]; running {
			continue
		}
		if stamp, ok := m.rejected[name]; ok {
			if stamp == t.Modified {
				continue
			}
			delete(m.rejected, name)
		}
		start = append(start, t)
	}
	for name := range m.rejected {
		if _, ok := want[name]; !ok {
			delete(m.rejected, name)
		}
	}
	m.mu.Unlock()

	for _, b := range stop {
		m.logger.Info("stopping bridge", "tenant", b.Tenant().Name)
		b.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxParallelStarts)

	var failMu sync.Mutex
	var failures []error

	for _, t := range start {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			b, err := Start(ctx, t, m.dialer, m.dir, m.opts.Bridge, m.logger)
			if err != nil {
				m.startFailed(t, err)
				failMu.Lock()
				failures = append(failures, err)
				failMu.Unlock()
				return nil
			}
			m.mu.Lock()
			m.bridges[t.Name] = b
			m.mu.Unlock()
			m.logger.Info("bridge started", "tenant", t.Name)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(failures...)
}

func (m *Manager) startFailed(t Tenant, err error) {
	if errors.Is(err, mqtt.ErrNotAuthorized) {
		m.mu.Lock()
		m.rejected[t.Name] = t.Modified
		m.mu.Unlock()
		m.logger.Error("bridge credentials rejected, waiting for tenant update", "tenant", t.Name, "error", err)
		return
	}
	m.logger.Warn("bridge start failed", "tenant", t.Name, "error", err)
}

// StopAll stops every running bridge.
func (m *Manager) StopAll() {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for name, b := range m.bridges {
		bridges = append(bridges, b)
		delete(m.bridges, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range bridges {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Stop()
		}()
	}
	wg.Wait()
}

// Tenants returns the sorted names of running bridges.
func (m *Manager) Tenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.bridges))
	for name := range m.bridges {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bridge returns the running bridge of tenant.
func (m *Manager) Bridge(tenant string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[tenant]
	return b, ok
}

// Rejected reports whether tenant is parked after a credential rejection.
func (m *Manager) Rejected(tenant string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rejected[tenant]
	return ok
}
