package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

type received struct {
	event     string
	signature string
	body      []byte
}

type recorder struct {
	mu       sync.Mutex
	requests []received
	failures int32 // respond 500 this many times first
}

func (r *recorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, received{
			event:     req.Header.Get(HeaderEvent),
			signature: req.Header.Get(HeaderSignature),
			body:      body,
		})
		r.mu.Unlock()

		if atomic.AddInt32(&r.failures, -1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func testJob(url string) *models.EncodingJob {
	return &models.EncodingJob{
		ID:           "job-1",
		VideoID:      "video-1",
		Status:       models.JobStatusCompleted,
		WebhookURL:   url,
		AttemptCount: 1,
		MaxAttempts:  3,
	}
}

func TestNotifyJob(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	service := NewService(config.WebhookConfig{Secret: "test-secret", Timeout: time.Second}, nil)
	service.NotifyJob(context.Background(), models.JobEventCompleted, testJob(server.URL))
	service.Close()

	require.Equal(t, 1, rec.count())
	got := rec.requests[0]
	assert.Equal(t, models.JobEventCompleted, got.event)
	assert.True(t, Verify(got.body, "test-secret", got.signature))

	var payload models.WebhookEvent
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, models.JobEventCompleted, payload.Event)
	assert.Equal(t, "job-1", payload.Data.ID)
	assert.Equal(t, models.JobStatusCompleted, payload.Data.Status)
}

func TestNotifyJob_NoURL(t *testing.T) {
	service := NewService(config.WebhookConfig{}, nil)
	// must not panic or spawn a delivery
	service.NotifyJob(context.Background(), models.JobEventCompleted, testJob(""))
	service.Close()
}

func TestNotifyJob_Retries(t *testing.T) {
	rec := &recorder{failures: 2}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	service := NewService(config.WebhookConfig{Timeout: time.Second}, nil)
	service.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	service.NotifyJob(context.Background(), models.JobEventFailed, testJob(server.URL))
	service.wg.Wait()

	assert.Equal(t, 3, rec.count())
	service.Close()
}

func TestNotifyJob_GivesUp(t *testing.T) {
	rec := &recorder{failures: 100}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	service := NewService(config.WebhookConfig{Timeout: time.Second}, nil)
	service.retryDelays = []time.Duration{time.Millisecond}

	service.NotifyJob(context.Background(), models.JobEventCancelled, testJob(server.URL))
	service.wg.Wait()

	// initial attempt plus one retry
	assert.Equal(t, 2, rec.count())
	service.Close()
}

func TestClose_AbandonsPendingRetry(t *testing.T) {
	rec := &recorder{failures: 100}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	service := NewService(config.WebhookConfig{Timeout: time.Second}, nil)
	service.retryDelays = []time.Duration{time.Hour}

	service.NotifyJob(context.Background(), models.JobEventFailed, testJob(server.URL))

	done := make(chan struct{})
	go func() {
		service.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a retry was pending")
	}
}

func TestClose_WaitsForInFlightDelivery(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		close(arrived)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	delivered := metrics.WebhookDeliveriesTotal.WithLabelValues(models.JobEventRequeued, "delivered")
	before := testutil.ToFloat64(delivered)

	service := NewService(config.WebhookConfig{Timeout: 5 * time.Second}, nil)
	service.NotifyJob(context.Background(), models.JobEventRequeued, testJob(server.URL))
	<-arrived

	closed := make(chan struct{})
	go func() {
		service.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight delivery finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the delivery finished")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(delivered)-before)
}

func TestSendAlert(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	service := NewService(config.WebhookConfig{AlertURL: server.URL, Timeout: time.Second}, nil)
	defer service.Close()

	job := testJob("")
	job.Status = models.JobStatusFailed
	job.AttemptCount = 3

	require.NoError(t, service.SendAlert(context.Background(), job))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, AlertEvent, rec.requests[0].event)
}

func TestSendAlert_Failure(t *testing.T) {
	rec := &recorder{failures: 1}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	service := NewService(config.WebhookConfig{AlertURL: server.URL, Timeout: time.Second}, nil)
	defer service.Close()

	err := service.SendAlert(context.Background(), testJob(""))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSendAlert_LogsWithoutURL(t *testing.T) {
	service := NewService(config.WebhookConfig{}, nil)
	defer service.Close()

	assert.NoError(t, service.SendAlert(context.Background(), testJob("")))
}

func TestWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := "test-secret"

	signature := Sign(payload, secret)
	assert.NotEmpty(t, signature)
	assert.Contains(t, signature, "sha256=")
	assert.True(t, Verify(payload, secret, signature))
	assert.False(t, Verify(payload, "other-secret", signature))
}
