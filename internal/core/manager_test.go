package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"acme-manager/internal/config"
	"acme-manager/internal/notification"
	"acme-manager/internal/storage"
)

func zapNop() *zap.Logger { return zap.NewNop() }

type fakeOrderer struct {
	calls  [][]string
	record *storage.Record
	err    error
}

func (f *fakeOrderer) Order(ctx context.Context, domains []string) (*storage.Record, error) {
	f.calls = append(f.calls, domains)
	return f.record, f.err
}

type managerFixture struct {
	cfg       *config.Config
	clock     clock.FakeClock
	store     *storage.FileStorage
	orderer   *fakeOrderer
	publisher *recordingPublisher
	manager   *Manager
	issue     func(notAfter time.Time, names ...string) []byte
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	key, keyPEM := newECKey(t)
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	fx := &managerFixture{
		cfg: &config.Config{
			Domains:     []string{"*.example.com"},
			TosAgree:    true,
			RenewWithin: 30 * 24 * time.Hour,
			DomainKey:   keyPEM,
		},
		clock:     clk,
		store:     storage.NewFileStorage(t.TempDir(), nil),
		orderer:   &fakeOrderer{},
		publisher: &recordingPublisher{},
	}
	fx.issue = func(notAfter time.Time, names ...string) []byte {
		return issueChain(t, key, notAfter, names...)
	}
	return fx
}

func (fx *managerFixture) build() *Manager {
	fx.manager = NewManager(fx.cfg, ManagerOptions{
		Storage:     fx.store,
		Coordinator: fx.orderer,
		Publisher:   fx.publisher,
		Webhook:     notification.NewWebhookNotifier(fx.cfg.Webhook, nil),
		Clock:       fx.clock,
	})
	return fx.manager
}

func (fx *managerFixture) storeChain(t *testing.T, notAfter time.Time, names ...string) []byte {
	t.Helper()
	data := fx.issue(notAfter, names...)
	require.NoError(t, fx.store.SaveCertificate(data))
	return data
}

func TestCheckAndRenewRequiresTermsAgreement(t *testing.T) {
	fx := newManagerFixture(t)
	fx.cfg.TosAgree = false

	err := fx.build().CheckAndRenew(context.Background())
	assert.ErrorIs(t, err, ErrTermsNotAccepted)
	assert.True(t, IsConfigError(err))
	assert.Empty(t, fx.orderer.calls)
}

func TestCheckAndRenewWindow(t *testing.T) {
	tests := []struct {
		name      string
		offset    time.Duration
		wantOrder bool
	}{
		{"one second inside window", -time.Second, true},
		{"one second outside window", time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newManagerFixture(t)
			notAfter := fx.clock.Now().Add(fx.cfg.RenewWithin + tt.offset)
			fx.storeChain(t, notAfter, "*.example.com", "example.com")
			fx.orderer.record, _ = storage.ParseChain(fx.issue(notAfter.Add(60*24*time.Hour), "*.example.com", "example.com"))

			require.NoError(t, fx.build().CheckAndRenew(context.Background()))

			if tt.wantOrder {
				require.Len(t, fx.orderer.calls, 1)
				assert.Equal(t, []string{"*.example.com", "example.com"}, fx.orderer.calls[0])
				assert.Empty(t, fx.publisher.events, "the coordinator publishes new certificates itself")
			} else {
				assert.Empty(t, fx.orderer.calls)
				require.Len(t, fx.publisher.events, 1, "existing certificate is republished")
				assert.False(t, fx.publisher.events[0].Validation)
			}
		})
	}
}

func TestCheckAndRenewOrdersWhenDomainsNotCovered(t *testing.T) {
	fx := newManagerFixture(t)
	fx.storeChain(t, fx.clock.Now().Add(80*24*time.Hour), "*.example.com")
	fx.orderer.err = errors.New("boom")

	err := fx.build().CheckAndRenew(context.Background())
	assert.EqualError(t, err, "boom")
	assert.Len(t, fx.orderer.calls, 1)
}

func TestCheckAndRenewCorruptFileTriggersOrder(t *testing.T) {
	fx := newManagerFixture(t)
	require.NoError(t, os.MkdirAll(fx.store.GetCertDir(), 0o755))
	require.NoError(t, os.WriteFile(fx.store.GetCertPath(), []byte("garbage"), 0o644))
	fx.orderer.record, _ = storage.ParseChain(fx.issue(fx.clock.Now().Add(90*24*time.Hour), "example.com"))

	require.NoError(t, fx.build().CheckAndRenew(context.Background()))
	assert.Len(t, fx.orderer.calls, 1)
}

func TestStartupFallsBackToUnexpiredCertificate(t *testing.T) {
	fx := newManagerFixture(t)
	fx.storeChain(t, fx.clock.Now().Add(24*time.Hour), "*.example.com", "example.com")
	fx.orderer.err = errors.New("ca unreachable")

	require.NoError(t, fx.build().Startup(context.Background()))
	require.Len(t, fx.publisher.events, 1)
}

func TestStartupFailsWithoutCertificate(t *testing.T) {
	fx := newManagerFixture(t)
	fx.orderer.err = errors.New("ca unreachable")

	err := fx.build().Startup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ca unreachable")
	assert.Empty(t, fx.publisher.events)
}

func TestStartupFailsWithExpiredCertificate(t *testing.T) {
	fx := newManagerFixture(t)
	fx.storeChain(t, fx.clock.Now().Add(-time.Hour), "*.example.com", "example.com")
	fx.orderer.err = errors.New("ca unreachable")

	assert.Error(t, fx.build().Startup(context.Background()))
}

func TestRenewRunsPostCommand(t *testing.T) {
	fx := newManagerFixture(t)
	out := filepath.Join(t.TempDir(), "out.txt")
	fx.cfg.PostCommand = `echo "${DOMAIN}" "$CERT_FILE" > ` + out
	fx.orderer.record, _ = storage.ParseChain(fx.issue(fx.clock.Now().Add(90*24*time.Hour), "*.example.com", "example.com"))

	m := fx.build()
	require.NoError(t, m.CheckAndRenew(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "*.example.com "+fx.store.GetCertPath()+"\n", string(data))
}

// webhookRecorder 记录收到的事件类型
func webhookRecorder(t *testing.T) (*config.WebhookConfig, func() []string) {
	t.Helper()
	var (
		mu     sync.Mutex
		events []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notification.EventData
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			events = append(events, ev.Event)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.WebhookConfig{Enabled: true, URL: srv.URL, Retries: 1, Timeout: 5}
	return cfg, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), events...)
	}
}

func TestWebhookEventsOnFailedRenewal(t *testing.T) {
	fx := newManagerFixture(t)
	var received func() []string
	fx.cfg.Webhook, received = webhookRecorder(t)
	fx.storeChain(t, fx.clock.Now().Add(10*24*time.Hour), "*.example.com", "example.com")
	fx.orderer.err = errors.New("ca unreachable")

	require.Error(t, fx.build().CheckAndRenew(context.Background()))
	assert.Equal(t, []string{"cert_expiring", "cert_failed"}, received())
}

func TestWebhookEventOnRenewal(t *testing.T) {
	fx := newManagerFixture(t)
	var received func() []string
	fx.cfg.Webhook, received = webhookRecorder(t)
	fx.orderer.record, _ = storage.ParseChain(fx.issue(fx.clock.Now().Add(90*24*time.Hour), "*.example.com", "example.com"))

	require.NoError(t, fx.build().CheckAndRenew(context.Background()))
	assert.Equal(t, []string{"cert_renewed"}, received(), "no expiring event without a stored certificate")
}

func TestRunStopsOnCancel(t *testing.T) {
	fx := newManagerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.build().Run(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCertificateName(t *testing.T) {
	notAfter := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "wildcard.example.com-20260102", certificateName("*.example.com", notAfter))
	assert.Equal(t, "example.com-20260102", certificateName("example.com", notAfter))
}

func TestNeedRenew(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	renew, reason := NeedRenew(nil, []string{"example.com"}, time.Hour, now)
	assert.True(t, renew)
	assert.NotEmpty(t, reason)
}
