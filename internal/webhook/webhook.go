package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/logging"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// Headers set on every delivery
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderSignature = "X-Webhook-Signature"
)

// AlertEvent is the event name used for operator alerts
const AlertEvent = "job.exhausted"

// DefaultRetryDelays are the waits between delivery attempts
var DefaultRetryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// Service delivers job notifications to caller webhooks and operator alerts
// to the configured alert endpoint.
type Service struct {
	client      *http.Client
	secret      string
	alertURL    string
	retryDelays []time.Duration
	logger      *logging.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new webhook service
func NewService(cfg config.WebhookConfig, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		client: &http.Client{
			Timeout: timeout,
		},
		secret:      cfg.Secret,
		alertURL:    cfg.AlertURL,
		retryDelays: DefaultRetryDelays,
		logger:      logger.WithComponent("webhook"),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// NotifyJob delivers event for job to the job's webhook URL in the
// background, retrying failed deliveries on the retry schedule.
func (s *Service) NotifyJob(_ context.Context, event string, job *models.EncodingJob) {
	if job == nil || job.WebhookURL == "" {
		return
	}

	payload, err := s.buildPayload(event, job)
	if err != nil {
		s.logger.WithJobID(job.ID).WithError(err).Error("Failed to build webhook payload")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliverWithRetry(job.WebhookURL, event, job.ID, payload)
	}()
}

// SendAlert tells operators that job has exhausted its attempts. It delivers
// once and synchronously so the caller only marks the alert sent on success.
// With no alert URL configured the alert is written to the log instead.
func (s *Service) SendAlert(ctx context.Context, job *models.EncodingJob) error {
	if s.alertURL == "" {
		s.logger.WithJobID(job.ID).
			WithVideoID(job.VideoID).
			WithField("attempts", job.AttemptCount).
			WithField("last_error", job.LastError).
			Error("Job exhausted all attempts")
		metrics.RecordWebhookDelivery(AlertEvent, "logged")
		return nil
	}

	payload, err := s.buildPayload(AlertEvent, job)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	return s.deliver(ctx, s.alertURL, AlertEvent, payload)
}

// Close abandons pending retries and waits for in-flight deliveries to
// finish. An attempt already sent is bounded only by the client timeout.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) buildPayload(event string, job *models.EncodingJob) ([]byte, error) {
	return json.Marshal(models.WebhookEvent{
		Event:     event,
		Timestamp: s.now().UTC(),
		Data:      job,
	})
}

// deliverWithRetry attempts delivery until it succeeds, the retry schedule
// runs out or the service is closed.
func (s *Service) deliverWithRetry(url, event, jobID string, payload []byte) {
	log := s.logger.WithJobID(jobID).WithField("event", event)

	// s.ctx only stops the wait between attempts
	sendCtx := context.WithoutCancel(s.ctx)

	for attempt := 0; ; attempt++ {
		err := s.deliver(sendCtx, url, event, payload)
		if err == nil {
			return
		}

		if attempt >= len(s.retryDelays) {
			log.WithError(err).Error("Webhook delivery failed, giving up")
			return
		}

		delay := s.retryDelays[attempt]
		log.WithError(err).Warnf("Webhook delivery failed, retrying in %s", delay)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			log.Warn("Webhook delivery abandoned on shutdown")
			return
		case <-timer.C:
		}
	}
}

// deliver makes one delivery attempt
func (s *Service) deliver(ctx context.Context, url, event string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		metrics.RecordWebhookDelivery(event, "error")
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EncodeJobs-Webhook/1.0")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, uuid.New().String())

	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordWebhookDelivery(event, "error")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordWebhookDelivery(event, "failed")
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	metrics.RecordWebhookDelivery(event, "delivered")
	return nil
}

// Sign generates the HMAC-SHA256 signature for a webhook payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
