package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"claimbot/internal/config"
	"claimbot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeOpenAI answers chat completions with a fixed verdict, failing the
// first failFirst calls with 503.
func fakeOpenAI(t *testing.T, failFirst int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			fmt.Fprint(w, `{"data":[]}`)
		case "/chat/completions":
			if calls.Add(1) <= failFirst {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"verdict\":\"sim\",\"confidence\":0.92,\"rationale\":\"desconto sem contrato\"}"}}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func testConfig(baseURL string) config.Config {
	cfg := config.Defaults()
	cfg.LLMProvider = "openai"
	cfg.OpenAIAPIKey = "sk-test"
	cfg.OpenAIBaseURL = baseURL
	cfg.RetryBaseDelayMs = 1
	cfg.RetryMaxDelaySeconds = 1
	cfg.Location = time.UTC
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ClaimSourceDir = ""
	return cfg
}

func TestAppClassifiesEndToEnd(t *testing.T) {
	llmServer, calls := fakeOpenAI(t, 2)
	a, err := New(testConfig(llmServer.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/analise-semantica", "application/json",
		strings.NewReader(`{"input":"314167#4895631478#10,11#Estou sendo descontado sem autorização"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res domain.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, domain.StatusApproved, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())

	snap := a.Tracker.Snapshot()
	assert.EqualValues(t, 3, snap.Total)
	assert.EqualValues(t, 2, snap.Failures)
	assert.EqualValues(t, 2, snap.ByKind["service_unavailable"])

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppScheduledTasks(t *testing.T) {
	llmServer, _ := fakeOpenAI(t, 0)
	a, err := New(testConfig(llmServer.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(ctx)
	})

	a.Tracker.RecordAttempt()
	a.Tracker.RecordFailure("timeout")
	a.logHealth(context.Background())
	a.resetStats(context.Background())
	assert.Zero(t, a.Tracker.Snapshot().Total)

	_, ok := a.Scheduler.Next("health_log", time.Now())
	assert.True(t, ok)
	_, ok = a.Scheduler.Next("stats_reset", time.Now())
	assert.False(t, ok)
}

func TestAppServeStopsOnCancel(t *testing.T) {
	llmServer, _ := fakeOpenAI(t, 0)
	a, err := New(testConfig(llmServer.URL), zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/error-stats")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.LLMProvider = "bard"
	_, err := New(cfg, zap.NewNop())
	assert.Error(t, err)
}
