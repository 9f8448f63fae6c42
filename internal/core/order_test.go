package core

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"acme-manager/internal/acmeclient"
	"acme-manager/internal/challenge"
	"acme-manager/internal/events"
	"acme-manager/internal/keys"
	"acme-manager/internal/poller"
	"acme-manager/internal/storage"
)

// fakeACME 按脚本返回订单和挑战状态
type fakeACME struct {
	mu sync.Mutex

	authzStatus     string
	challengeStatus []string
	orderStatus     []string
	finalizeStatus  string
	finalizeErr     error
	orderErrs       []error
	chainPEM        []byte

	authzDomains  map[string]string
	authzFetched  []string
	challengeGets int
	orderGets     int
	finalized     [][]byte
}

func (f *fakeACME) Login(ctx context.Context) (string, error) {
	return "https://ca/acct/1", nil
}

func (f *fakeACME) NewOrder(ctx context.Context, domains []string) (acmeclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := acmeclient.Order{URL: "https://ca/order/1", Status: acmeclient.StatusPending, FinalizeURL: "https://ca/finalize/1"}
	f.authzDomains = map[string]string{}
	for i, d := range domains {
		url := fmt.Sprintf("https://ca/authz/%d", i)
		f.authzDomains[url] = d
		o.Authorizations = append(o.Authorizations, url)
	}
	return o, nil
}

func (f *fakeACME) GetOrder(ctx context.Context, orderURL string) (acmeclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.orderGets
	f.orderGets++
	if i < len(f.orderErrs) && f.orderErrs[i] != nil {
		return acmeclient.Order{}, f.orderErrs[i]
	}
	status := next(f.orderStatus, i)
	o := acmeclient.Order{URL: orderURL, Status: status, FinalizeURL: "https://ca/finalize/1", Error: "badCSR"}
	if status == acmeclient.StatusValid {
		o.CertificateURL = "https://ca/cert/1"
	}
	return o, nil
}

func (f *fakeACME) FinalizeOrder(ctx context.Context, finalizeURL string, csr []byte) (acmeclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return acmeclient.Order{}, f.finalizeErr
	}
	f.finalized = append(f.finalized, csr)
	return acmeclient.Order{URL: "https://ca/order/1", Status: f.finalizeStatus}, nil
}

func (f *fakeACME) GetAuthorization(ctx context.Context, authzURL string) (acmeclient.Authorization, error) {
	f.mu.Lock()
	f.authzFetched = append(f.authzFetched, authzURL)
	domain := f.authzDomains[authzURL]
	f.mu.Unlock()

	return acmeclient.Authorization{
		URL:    authzURL,
		Domain: domain,
		Status: f.authzStatus,
		Challenges: []acmeclient.Challenge{
			{Kind: acmeclient.KindHTTP, URL: "https://ca/chall/1", Token: "tok", Status: acmeclient.StatusPending},
		},
	}, nil
}

func (f *fakeACME) FetchCertificate(ctx context.Context, certURL string) ([]byte, error) {
	return f.chainPEM, nil
}

func (f *fakeACME) KeyAuthorization(token string) (string, error) {
	return token + ".thumb", nil
}

func (f *fakeACME) TriggerChallenge(ctx context.Context, url string) (acmeclient.Challenge, error) {
	return acmeclient.Challenge{URL: url, Status: acmeclient.StatusPending}, nil
}

func (f *fakeACME) GetChallenge(ctx context.Context, url string) (acmeclient.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := next(f.challengeStatus, f.challengeGets)
	f.challengeGets++
	return acmeclient.Challenge{URL: url, Status: status}, nil
}

func next(script []string, i int) string {
	if i < len(script) {
		return script[i]
	}
	return script[len(script)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.CertificateEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.CertificateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func newECKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key, string(keys.Encode(key))
}

func issueChain(t *testing.T, key crypto.Signer, notAfter time.Time, names ...string) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

type orderFixture struct {
	acme        *fakeACME
	store       *storage.FileStorage
	publisher   *recordingPublisher
	coordinator *Coordinator
	clients     int
}

func newOrderFixture(t *testing.T, fake *fakeACME) *orderFixture {
	t.Helper()

	_, accountPEM := newECKey(t)
	domainKey, domainPEM := newECKey(t)
	if fake.chainPEM == nil {
		fake.chainPEM = issueChain(t, domainKey, time.Now().Add(90*24*time.Hour), "example.com")
	}

	fx := &orderFixture{
		acme:      fake,
		store:     storage.NewFileStorage(t.TempDir(), nil),
		publisher: &recordingPublisher{},
	}

	policy := poller.Policy{MaxAttempts: 5, Pause: time.Millisecond}
	pl := poller.New(nil, nil)
	fx.coordinator = &Coordinator{
		AccountKey: accountPEM,
		DomainKey:  domainPEM,
		Policy:     policy,
		NewClient: func(crypto.PrivateKey) (ACMEClient, error) {
			fx.clients++
			return fake, nil
		},
		Authorizer: challenge.NewDispatcher(challenge.Options{
			Kind:   acmeclient.KindHTTP,
			Policy: policy,
			Poller: pl,
		}),
		Store:     fx.store,
		Publisher: fx.publisher,
		Poller:    pl,
		Logger:    zapNop(),
	}
	return fx
}

func TestOrderPendingReadyValid(t *testing.T) {
	fake := &fakeACME{
		authzStatus:     acmeclient.StatusPending,
		challengeStatus: []string{acmeclient.StatusPending, acmeclient.StatusPending, acmeclient.StatusValid},
		orderStatus:     []string{acmeclient.StatusPending, acmeclient.StatusReady, acmeclient.StatusValid},
		finalizeStatus:  acmeclient.StatusProcessing,
	}
	fx := newOrderFixture(t, fake)

	record, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.NoError(t, err)

	require.Len(t, fake.finalized, 1)
	csr, err := x509.ParseCertificateRequest(fake.finalized[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, csr.DNSNames)
	assert.FileExists(t, fx.store.GetCSRPath())

	onDisk, err := os.ReadFile(fx.store.GetCertPath())
	require.NoError(t, err)
	assert.Equal(t, fake.chainPEM, onDisk)

	require.Len(t, fx.publisher.events, 1)
	ev := fx.publisher.events[0]
	assert.False(t, ev.Validation)
	assert.Equal(t, record.Chain, ev.Chain)

	block, _ := pem.Decode(fake.chainPEM)
	assert.Equal(t, block.Bytes, ev.Chain[0])
}

func TestOrderAuthorizationExhaustedLeavesChainUntouched(t *testing.T) {
	fake := &fakeACME{
		authzStatus:     acmeclient.StatusPending,
		challengeStatus: []string{acmeclient.StatusPending},
		orderStatus:     []string{acmeclient.StatusValid},
	}
	fx := newOrderFixture(t, fake)

	old := []byte("previous chain")
	require.NoError(t, os.MkdirAll(fx.store.GetCertDir(), 0o755))
	require.NoError(t, os.WriteFile(fx.store.GetCertPath(), old, 0o644))

	_, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.ErrorIs(t, err, poller.ErrAttemptsExhausted)

	assert.Equal(t, 5, fake.challengeGets)
	assert.Zero(t, fake.orderGets, "order is not polled after a failed authorization")
	assert.Empty(t, fake.finalized)
	assert.Empty(t, fx.publisher.events)

	onDisk, err := os.ReadFile(fx.store.GetCertPath())
	require.NoError(t, err)
	assert.Equal(t, old, onDisk)
	assert.NoFileExists(t, fx.store.GetCSRPath())
}

func TestOrderInvalidReportsDetail(t *testing.T) {
	fake := &fakeACME{
		authzStatus: acmeclient.StatusValid,
		orderStatus: []string{acmeclient.StatusInvalid},
	}
	fx := newOrderFixture(t, fake)

	_, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.ErrorIs(t, err, ErrOrderInvalid)
	assert.Contains(t, err.Error(), "badCSR")
	assert.NoFileExists(t, fx.store.GetCertPath())
}

func TestOrderExhaustedWhileProcessing(t *testing.T) {
	fake := &fakeACME{
		authzStatus: acmeclient.StatusValid,
		orderStatus: []string{acmeclient.StatusProcessing},
	}
	fx := newOrderFixture(t, fake)

	_, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.ErrorIs(t, err, poller.ErrAttemptsExhausted)
	assert.Equal(t, 5, fake.orderGets)
}

func TestOrderBadAccountKeyIsConfigError(t *testing.T) {
	fx := newOrderFixture(t, &fakeACME{})
	fx.coordinator.AccountKey = "not a key"

	_, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Zero(t, fx.clients, "no client is created without a usable key")
}

func TestOrderStopsAtFirstFailedAuthorization(t *testing.T) {
	fake := &fakeACME{
		authzStatus:     acmeclient.StatusPending,
		challengeStatus: []string{acmeclient.StatusInvalid},
		orderStatus:     []string{acmeclient.StatusValid},
	}
	fx := newOrderFixture(t, fake)

	_, err := fx.coordinator.Order(context.Background(), []string{"a.example.com", "b.example.com"})
	require.ErrorIs(t, err, challenge.ErrChallengeInvalid)
	assert.Contains(t, err.Error(), "a.example.com")

	assert.Equal(t, []string{"https://ca/authz/0"}, fake.authzFetched, "second authorization is never fetched")
	assert.Equal(t, 1, fake.challengeGets)
	assert.Zero(t, fake.orderGets)
	assert.NoFileExists(t, fx.store.GetCertPath())
}

func TestOrderAuthorizesEveryDomainInOrder(t *testing.T) {
	fake := &fakeACME{
		authzStatus:     acmeclient.StatusPending,
		challengeStatus: []string{acmeclient.StatusValid},
		orderStatus:     []string{acmeclient.StatusValid},
	}
	fx := newOrderFixture(t, fake)

	_, err := fx.coordinator.Order(context.Background(), []string{"a.example.com", "b.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ca/authz/0", "https://ca/authz/1"}, fake.authzFetched)
}

// failingCSRStore 保存 CSR 时失败
type failingCSRStore struct {
	*storage.FileStorage
}

func (s failingCSRStore) SaveCSR([]byte) error {
	return errors.New("disk full")
}

func TestOrderCSRWriteFailureAborts(t *testing.T) {
	fake := &fakeACME{
		authzStatus:    acmeclient.StatusValid,
		orderStatus:    []string{acmeclient.StatusReady, acmeclient.StatusValid},
		finalizeStatus: acmeclient.StatusValid,
	}
	fx := newOrderFixture(t, fake)
	fx.coordinator.Store = failingCSRStore{fx.store}

	_, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[csr]")
	assert.Contains(t, err.Error(), "disk full")

	assert.Empty(t, fake.finalized, "CSR is not submitted when it cannot be saved")
	assert.Equal(t, 1, fake.orderGets)
	assert.NoFileExists(t, fx.store.GetCertPath())
	assert.Empty(t, fx.publisher.events)
}

// steppingClock 记录每次等待的时长并立即推进假时钟
type steppingClock struct {
	clock.FakeClock
	mu    sync.Mutex
	waits []time.Duration
}

func (c *steppingClock) NewTimer(d time.Duration) *clock.Timer {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()

	timer := c.FakeClock.NewTimer(d)
	c.FakeClock.Add(d)
	return timer
}

func TestOrderPollHonoursRetryAfter(t *testing.T) {
	clk := &steppingClock{FakeClock: clock.NewFake()}
	hint := 30 * time.Second

	fake := &fakeACME{
		authzStatus: acmeclient.StatusValid,
		orderStatus: []string{acmeclient.StatusProcessing, acmeclient.StatusValid},
		orderErrs: []error{
			&acmeclient.RetryAfterError{NotBefore: clk.Now().Add(hint), Err: errors.New("rate limited")},
		},
	}
	fx := newOrderFixture(t, fake)
	fx.coordinator.Poller = poller.New(clk, nil)

	_, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.NoError(t, err)

	assert.Equal(t, 2, fake.orderGets)
	assert.Equal(t, []time.Duration{hint}, clk.waits, "server hint replaces the 1ms pause")
}

func TestOrderFailureLogsProblemDetail(t *testing.T) {
	fake := &fakeACME{
		authzStatus: acmeclient.StatusValid,
		orderStatus: []string{acmeclient.StatusReady},
		finalizeErr: fmt.Errorf("提交 CSR 失败: %w", &acme.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:badCSR",
			Detail: "key too small",
		}),
	}
	fx := newOrderFixture(t, fake)
	obs, logs := observer.New(zap.ErrorLevel)
	fx.coordinator.Logger = zap.New(obs)

	_, err := fx.coordinator.Order(context.Background(), []string{"example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[finalize]")

	entries := logs.FilterField(zap.String("detail", "key too small")).All()
	assert.Len(t, entries, 1)
}
