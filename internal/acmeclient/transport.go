package acmeclient

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// retryAfterTransport 记录每个 URL 最近一次响应中的 Retry-After
type retryAfterTransport struct {
	base  http.RoundTripper
	clock clock.Clock

	mu    sync.Mutex
	hints map[string]time.Time
}

func newRetryAfterTransport(base http.RoundTripper, clk clock.Clock) *retryAfterTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryAfterTransport{
		base:  base,
		clock: clk,
		hints: make(map[string]time.Time),
	}
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	if at, ok := parseRetryAfter(resp.Header.Get("Retry-After"), t.clock.Now()); ok {
		t.mu.Lock()
		t.hints[req.URL.String()] = at
		t.mu.Unlock()
	}

	return resp, nil
}

// take 取出并清除 URL 对应的重试时间
func (t *retryAfterTransport) take(url string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := t.hints[url]
	delete(t.hints, url)
	return at
}

// parseRetryAfter 解析 Retry-After，支持秒数和 HTTP 日期两种格式
func parseRetryAfter(value string, now time.Time) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(secs) * time.Second), true
	}

	if at, err := http.ParseTime(value); err == nil {
		return at, true
	}

	return time.Time{}, false
}
