package challenge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"acme-manager/internal/provider"
)

func TestRecordName(t *testing.T) {
	assert.Equal(t, "_acme-challenge.example.com", RecordName("example.com"))
	assert.Equal(t, "_acme-challenge.example.com", RecordName("*.example.com"))
}

func TestDNSDigest(t *testing.T) {
	// RFC 8555 8.4: base64url(SHA-256(keyAuthorization)) without padding
	assert.Equal(t, "LPJNul-wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ", DNSDigest("hello"))
}

func TestRenderedTextSolver(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewRenderedTextSolver(zap.New(core))

	require.NoError(t, s.CreateRecord(context.Background(), "example.com", "digest-value"))

	entries := logs.All()
	require.Len(t, entries, 6)
	assert.True(t, strings.HasPrefix(entries[0].Message, "!!!!"))
	assert.Contains(t, entries[3].Message, "_acme-challenge.example.com with value digest-value")

	require.NoError(t, s.DestroyRecord(context.Background(), "example.com"))
}

type fakeDNSProvider struct {
	added   map[string]string
	deleted []string
}

func (f *fakeDNSProvider) Name() string { return "fake" }

func (f *fakeDNSProvider) AddRecord(ctx context.Context, domain, rr, recordType, value string) error {
	f.added[rr] = value
	return nil
}

func (f *fakeDNSProvider) UpdateRecord(ctx context.Context, domain, recordID, rr, recordType, value string) error {
	return nil
}

func (f *fakeDNSProvider) DeleteRecord(ctx context.Context, domain, recordID string) error {
	f.deleted = append(f.deleted, recordID)
	return nil
}

func (f *fakeDNSProvider) FindRecord(ctx context.Context, domain, rr, recordType string) (*provider.DNSRecord, error) {
	if _, ok := f.added[rr]; !ok {
		return nil, nil
	}
	return &provider.DNSRecord{RecordID: "id-" + rr, RR: rr, Type: recordType}, nil
}

func TestProviderSolver(t *testing.T) {
	dns := &fakeDNSProvider{added: map[string]string{}}
	s := NewProviderSolver(dns, nil)

	require.NoError(t, s.CreateRecord(context.Background(), "*.example.com", "v1"))
	assert.Equal(t, "v1", dns.added["_acme-challenge.example.com"])

	require.NoError(t, s.DestroyRecord(context.Background(), "*.example.com"))
	assert.Equal(t, []string{"id-_acme-challenge.example.com"}, dns.deleted)

	require.NoError(t, s.DestroyRecord(context.Background(), "other.org"), "missing record is not an error")
}

func TestTokenStore(t *testing.T) {
	s := NewTokenStore()
	_, ok := s.Lookup("anything")
	assert.False(t, ok)

	s.Publish("AbC", "content-1")
	got, ok := s.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, "content-1", got)

	s.Publish("xyz", "content-2")
	_, ok = s.Lookup("abc")
	assert.False(t, ok, "only one active token")

	_, ok = s.Lookup("")
	assert.False(t, ok)
}
