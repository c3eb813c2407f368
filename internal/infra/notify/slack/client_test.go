package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/ecranner/internal/config"
	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

func result() domain.Result {
	return domain.Result{
		Image: "reg/app:latest",
		Targets: []domain.Target{
			{
				Target: "reg/app:latest (alpine 3.12)",
				Vulnerabilities: []domain.Vulnerability{{
					VulnerabilityID: "CVE-2020-1967",
					PkgName:         "openssl",
					Description:     "segfault in SSL_check_chain",
					Severity:        "HIGH",
					References:      []string{"https://a", "https://b"},
				}},
			},
			{Target: "app/package-lock.json"},
		},
	}
}

func TestRenderPayload(t *testing.T) {
	c := New(config.Slack{Webhook: "http://x", Channel: "#sec"})
	p, err := c.Render(result())
	require.NoError(t, err)
	assert.Equal(t, domain.ImageRef("reg/app:latest"), p.Image)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Body, &msg))
	assert.Equal(t, "Trivy", msg["username"])
	assert.Equal(t, "#sec", msg["channel"])
	assert.Equal(t, ":trivy:", msg["icon_emoji"])
	assert.NotContains(t, msg, "icon_url")

	atts := msg["attachments"].([]interface{})
	require.Len(t, atts, 2)
	first := atts[0].(map[string]interface{})
	assert.Equal(t, ColorFound, first["color"])
	blocks := first["blocks"].([]interface{})
	require.Len(t, blocks, 2)
	vuln := blocks[1].(map[string]interface{})
	assert.Equal(t, "*1. openssl*\nsegfault in SSL_check_chain", vuln["text"].(map[string]interface{})["text"])
	fields := vuln["fields"].([]interface{})
	assert.Equal(t, "*Reference*\n- https://a\n- https://b\n", fields[2].(map[string]interface{})["text"])

	second := atts[1].(map[string]interface{})
	assert.Equal(t, ColorNotFound, second["color"])
	assert.Contains(t, string(p.Body), "Not Found Vulnerabilities")
}

func TestRenderIconURLAndNoChannel(t *testing.T) {
	c := New(config.Slack{Webhook: "http://x", Icon: "https://example.com/trivy.png"})
	p, err := c.Render(result())
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Body, &msg))
	assert.Equal(t, "https://example.com/trivy.png", msg["icon_url"])
	assert.NotContains(t, msg, "icon_emoji")
	assert.NotContains(t, msg, "channel")
}

func TestRenderAbsent(t *testing.T) {
	_, err := New(config.Slack{}).Render(domain.AbsentResult("reg/app:latest", "timeout", 0))
	assert.Error(t, err)
}

func TestPost(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(config.Slack{Webhook: srv.URL})
	require.NoError(t, c.Post(context.Background(), domain.Payload{Image: "a", Body: []byte(`{"text":"hi"}`)}))
	assert.JSONEq(t, `{"text":"hi"}`, string(got))
}

func TestPostNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(config.Slack{Webhook: srv.URL}).Post(context.Background(), domain.Payload{Body: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestDeliverKeepsOrderAndIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if strings.Contains(string(b), "bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payloads := []domain.Payload{
		{Image: "a", Body: []byte(`{"text":"a"}`)},
		{Image: "b", Body: []byte(`{"text":"bad"}`)},
		{Image: "c", Body: []byte(`{"text":"c"}`)},
	}
	out := New(config.Slack{Webhook: srv.URL}).Deliver(context.Background(), payloads)
	require.Len(t, out, 3)
	for i, o := range out {
		assert.Equal(t, payloads[i].Image, o.Payload.Image)
	}
	assert.True(t, out[0].Delivered())
	assert.False(t, out[1].Delivered())
	assert.True(t, out[2].Delivered())
}

func TestDeliverBoundsConcurrency(t *testing.T) {
	var inflight, peak int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
	}))
	defer srv.Close()

	payloads := make([]domain.Payload, 10)
	for i := range payloads {
		payloads[i] = domain.Payload{Image: domain.ImageRef(string(rune('a' + i))), Body: []byte(`{}`)}
	}
	out := New(config.Slack{Webhook: srv.URL, Concurrency: 2}).Deliver(context.Background(), payloads)
	for _, o := range out {
		assert.True(t, o.Delivered())
	}
	assert.LessOrEqual(t, peak, int32(2))
}

func TestDeliverTimesOutStalledAttempt(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if strings.Contains(string(b), "stall") {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	payloads := []domain.Payload{
		{Image: "a", Body: []byte(`{"text":"a"}`)},
		{Image: "b", Body: []byte(`{"text":"stall"}`)},
		{Image: "c", Body: []byte(`{"text":"c"}`)},
	}
	c := New(config.Slack{Webhook: srv.URL}).WithTimeout(50 * time.Millisecond)

	start := time.Now()
	out := c.Deliver(context.Background(), payloads)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, out, 3)
	assert.True(t, out[0].Delivered())
	assert.True(t, out[2].Delivered())
	require.Error(t, out[1].Err)
	assert.True(t, errors.Is(out[1].Err, context.DeadlineExceeded), out[1].Err.Error())
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) { panic("transport blew up") }

func TestDeliverRecoversPanics(t *testing.T) {
	c := New(config.Slack{Webhook: "http://slack.invalid"}).WithHTTPClient(&http.Client{Transport: panicTransport{}})
	out := c.Deliver(context.Background(), []domain.Payload{{Image: "a"}, {Image: "b"}})
	require.Len(t, out, 2)
	assert.ErrorContains(t, out[0].Err, "panic")
	assert.ErrorContains(t, out[1].Err, "panic")

	single := c.Deliver(context.Background(), []domain.Payload{{Image: "a"}})
	assert.ErrorContains(t, single[0].Err, "panic")
}
