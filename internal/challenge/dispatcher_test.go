package challenge

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acme-manager/internal/acmeclient"
	"acme-manager/internal/events"
	"acme-manager/internal/poller"
)

type fakeACME struct {
	mu       sync.Mutex
	statuses []string
	gets     int
	triggers int
	getErr   error
}

func (f *fakeACME) KeyAuthorization(token string) (string, error) {
	return token + ".thumbprint", nil
}

func (f *fakeACME) TriggerChallenge(ctx context.Context, url string) (acmeclient.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	return acmeclient.Challenge{URL: url, Status: acmeclient.StatusPending}, nil
}

func (f *fakeACME) GetChallenge(ctx context.Context, url string) (acmeclient.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		err := f.getErr
		f.getErr = nil
		return acmeclient.Challenge{}, err
	}
	status := f.statuses[len(f.statuses)-1]
	if f.gets < len(f.statuses) {
		status = f.statuses[f.gets]
	}
	f.gets++
	return acmeclient.Challenge{URL: url, Status: status, Error: "connection refused"}, nil
}

type recordingPublisher struct {
	events []events.CertificateEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.CertificateEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

type recordingDNS struct {
	created   map[string]string
	destroyed []string
}

func (r *recordingDNS) CreateRecord(ctx context.Context, domain, digest string) error {
	if r.created == nil {
		r.created = map[string]string{}
	}
	r.created[domain] = digest
	return nil
}

func (r *recordingDNS) DestroyRecord(ctx context.Context, domain string) error {
	r.destroyed = append(r.destroyed, domain)
	return nil
}

func newKey(t *testing.T) crypto.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func authzFor(kind acmeclient.ChallengeKind) acmeclient.Authorization {
	return acmeclient.Authorization{
		Domain: "www.example.com",
		Status: acmeclient.StatusPending,
		Challenges: []acmeclient.Challenge{
			{Kind: kind, URL: "https://ca/chall/1", Token: "tok", Status: acmeclient.StatusPending},
		},
	}
}

func policy(n int) poller.Policy {
	return poller.Policy{MaxAttempts: n, Pause: time.Millisecond}
}

func TestAuthorizeSkipsValidAuthorization(t *testing.T) {
	client := &fakeACME{}
	d := NewDispatcher(Options{Kind: acmeclient.KindHTTP, Policy: policy(3)})

	authz := authzFor(acmeclient.KindHTTP)
	authz.Status = acmeclient.StatusValid

	require.NoError(t, d.Authorize(context.Background(), client, authz, newKey(t)))
	assert.Zero(t, client.triggers)
}

func TestAuthorizeSkipsWhenPreferredKindMissing(t *testing.T) {
	client := &fakeACME{}
	d := NewDispatcher(Options{Kind: acmeclient.KindDNS, Policy: policy(3)})

	require.NoError(t, d.Authorize(context.Background(), client, authzFor(acmeclient.KindHTTP), newKey(t)))
	assert.Zero(t, client.triggers)
}

func TestAuthorizeHTTPPendingThenValid(t *testing.T) {
	client := &fakeACME{statuses: []string{acmeclient.StatusPending, acmeclient.StatusPending, acmeclient.StatusValid}}
	tokens := NewTokenStore()
	d := NewDispatcher(Options{Kind: acmeclient.KindHTTP, Policy: policy(5), Tokens: tokens})

	require.NoError(t, d.Authorize(context.Background(), client, authzFor(acmeclient.KindHTTP), newKey(t)))
	assert.Equal(t, 1, client.triggers)
	assert.Equal(t, 3, client.gets)

	content, ok := tokens.Lookup("TOK")
	require.True(t, ok)
	assert.Equal(t, "tok.thumbprint", content)
}

func TestAuthorizeExhausted(t *testing.T) {
	client := &fakeACME{statuses: []string{acmeclient.StatusPending}}
	d := NewDispatcher(Options{Kind: acmeclient.KindHTTP, Policy: policy(3)})

	err := d.Authorize(context.Background(), client, authzFor(acmeclient.KindHTTP), newKey(t))
	assert.ErrorIs(t, err, poller.ErrAttemptsExhausted)
	assert.Equal(t, 3, client.gets)
}

func TestAuthorizeInvalidIncludesDetail(t *testing.T) {
	client := &fakeACME{statuses: []string{acmeclient.StatusInvalid}}
	d := NewDispatcher(Options{Kind: acmeclient.KindHTTP, Policy: policy(3)})

	err := d.Authorize(context.Background(), client, authzFor(acmeclient.KindHTTP), newKey(t))
	require.ErrorIs(t, err, ErrChallengeInvalid)
	assert.Contains(t, err.Error(), "www.example.com")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAuthorizeTransientErrorIsRetried(t *testing.T) {
	client := &fakeACME{
		statuses: []string{acmeclient.StatusValid},
		getErr:   errors.New("timeout"),
	}
	d := NewDispatcher(Options{Kind: acmeclient.KindHTTP, Policy: policy(3)})

	require.NoError(t, d.Authorize(context.Background(), client, authzFor(acmeclient.KindHTTP), newKey(t)))
}

func TestAuthorizeTLSALPNPublishesValidationCertificate(t *testing.T) {
	client := &fakeACME{statuses: []string{acmeclient.StatusValid}}
	pub := &recordingPublisher{}
	d := NewDispatcher(Options{Kind: acmeclient.KindTLSALPN, Policy: policy(3), Publisher: pub})

	key := newKey(t)
	require.NoError(t, d.Authorize(context.Background(), client, authzFor(acmeclient.KindTLSALPN), key))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.True(t, ev.Validation)
	assert.Same(t, key, ev.Key)

	cert, err := x509.ParseCertificate(ev.Chain[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"www.example.com"}, cert.DNSNames)

	var found bool
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(idPeAcmeIdentifier) {
			found = true
			assert.True(t, ext.Critical)
			var digest []byte
			_, err := asn1.Unmarshal(ext.Value, &digest)
			require.NoError(t, err)
			want := sha256.Sum256([]byte("tok.thumbprint"))
			assert.Equal(t, want[:], digest)
		}
	}
	assert.True(t, found, "acmeIdentifier extension present")
}

func TestAuthorizeTLSALPNPublishFailureAborts(t *testing.T) {
	client := &fakeACME{statuses: []string{acmeclient.StatusValid}}
	pub := &recordingPublisher{err: errors.New("holder down")}
	d := NewDispatcher(Options{Kind: acmeclient.KindTLSALPN, Policy: policy(3), Publisher: pub})

	err := d.Authorize(context.Background(), client, authzFor(acmeclient.KindTLSALPN), newKey(t))
	assert.Error(t, err)
	assert.Zero(t, client.triggers)
}

func TestAuthorizeDNSCreatesAndDestroysRecord(t *testing.T) {
	client := &fakeACME{statuses: []string{acmeclient.StatusInvalid}}
	dns := &recordingDNS{}
	d := NewDispatcher(Options{Kind: acmeclient.KindDNS, Policy: policy(3), DNS: dns})

	err := d.Authorize(context.Background(), client, authzFor(acmeclient.KindDNS), newKey(t))
	assert.ErrorIs(t, err, ErrChallengeInvalid)

	assert.Equal(t, DNSDigest("tok.thumbprint"), dns.created["www.example.com"])
	assert.Equal(t, []string{"www.example.com"}, dns.destroyed, "record cleaned up after a failed validation")
}
