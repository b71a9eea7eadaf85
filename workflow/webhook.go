package workflow

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
	"time"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const signatureHeader = "X-Capture-Signature"

// maxLoggedResponseBody caps how much of the destination's response lands in
// the delivery log.
const maxLoggedResponseBody = 4096

type WebhookJobPayload struct {
	WebhookConfigId int              `json:"webhook_config_id"`
	EventType       models.EventType `json:"event_type"`
	Body            json.RawMessage  `json:"body"`
}

type webhookBody struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// SignWebhookBody returns hex(HMAC-SHA256(secret, body)). Receivers recompute
// it over the raw bytes they were sent.
func SignWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// DeliveryResult is the raw outcome of one POST attempt.
type DeliveryResult struct {
	ResponseStatus *int    `json:"response_status"`
	ResponseBody   *string `json:"response_body"`
	ErrorMessage   *string `json:"error_message"`
	Success        bool    `json:"success"`
}

// WebhookDispatcher signs, sends, logs and diagnoses outbound notifications.
// Deliveries ride the job queue, so a config is never delivered-to by two
// workers at once and failures follow the standard backoff policy.
type WebhookDispatcher struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Scheduler *JobScheduler
	Client    *http.Client
}

func NewWebhookDispatcher(db *gorm.DB, logger *logrus.Logger, scheduler *JobScheduler) *WebhookDispatcher {
	timeout := utils.DurationFromEnvSeconds("WEBHOOK_TIMEOUT_SECONDS", 30*time.Second)
	return &WebhookDispatcher{
		DB:        db,
		Logger:    logger,
		Scheduler: scheduler,
		Client:    &http.Client{Timeout: timeout},
	}
}

// Dispatch fans one domain event out to every active subscribed config by
// enqueuing a delivery job per config. The body is frozen here so every retry
// re-sends the exact bytes the signature covers.
func (w *WebhookDispatcher) Dispatch(ctx context.Context, businessId string, eventType models.EventType, payload map[string]any) error {
	configs, err := models.ListSubscribedWebhookConfigs(ctx, w.DB, businessId, eventType)
	if err != nil {
		return err
	}
	body, err := json.Marshal(webhookBody{
		EventType: string(eventType),
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	for i := range configs {
		cfg := &configs[i]
		_, err := w.Scheduler.EnqueuePayload(ctx, businessId, models.JobTypeWebhookDeliver, WebhookJobPayload{
			WebhookConfigId: cfg.ID,
			EventType:       eventType,
			Body:            body,
		})
		if err != nil {
			w.Logger.WithFields(logrus.Fields{
				"module":     "WebhookDispatcher",
				"config_id":  cfg.ID,
				"event_type": eventType,
			}).Error("failed to enqueue webhook delivery: " + err.Error())
		}
	}
	return nil
}

// HandleJob is the webhook.deliver handler. A non-2xx or network failure
// returns an error so the scheduler reschedules it; the attempt is logged
// either way before the error propagates.
func (w *WebhookDispatcher) HandleJob(ctx context.Context, job *models.Job) error {
	var payload WebhookJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed webhook payload: %v: %w", err, utils.ErrorNotRetryable)
	}
	cfg, err := models.GetWebhookConfig(ctx, w.DB, payload.WebhookConfigId)
	if err != nil {
		if err == utils.ErrorRecordNotFound {
			return fmt.Errorf("webhook config %d no longer exists: %w", payload.WebhookConfigId, utils.ErrorNotRetryable)
		}
		return err
	}
	if !cfg.IsActive {
		return nil
	}

	result := w.attempt(ctx, cfg, payload.EventType, payload.Body, job.Attempts+1)
	if !result.Success {
		if result.ErrorMessage != nil {
			return fmt.Errorf("webhook delivery to %s failed: %s", cfg.Url, *result.ErrorMessage)
		}
		return fmt.Errorf("webhook delivery to %s returned status %d", cfg.Url, *result.ResponseStatus)
	}
	return nil
}

// SendTest performs exactly one attempt with a synthetic payload and returns
// the raw result. No retries are scheduled.
func (w *WebhookDispatcher) SendTest(ctx context.Context, configId int) (*DeliveryResult, error) {
	cfg, err := models.GetWebhookConfig(ctx, w.DB, configId)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(webhookBody{
		EventType: "webhook.test",
		Payload:   map[string]any{"message": "test delivery", "webhook_config_id": cfg.ID},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	result := w.attempt(ctx, cfg, "webhook.test", body, 1)
	return &result, nil
}

// attempt POSTs the body once and always writes exactly one delivery log row,
// even when the connection never opened.
func (w *WebhookDispatcher) attempt(ctx context.Context, cfg *models.WebhookConfig, eventType models.EventType, body []byte, attemptNumber int) DeliveryResult {
	var result DeliveryResult

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Url, bytes.NewReader(body))
	if err != nil {
		result.ErrorMessage = utils.Ptr(err.Error())
	} else {
		req.Header.Set("Content-Type", "application/json")
		if cfg.Secret != "" {
			req.Header.Set(signatureHeader, SignWebhookBody(cfg.Secret, body))
		}
		resp, err := w.Client.Do(req)
		if err != nil {
			result.ErrorMessage = utils.Ptr(err.Error())
		} else {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedResponseBody))
			resp.Body.Close()
			result.ResponseStatus = utils.Ptr(resp.StatusCode)
			result.ResponseBody = utils.Ptr(string(respBody))
			result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}

	entry := &models.WebhookDeliveryLog{
		WebhookConfigId: cfg.ID,
		EventType:       eventType,
		AttemptNumber:   attemptNumber,
		RequestBody:     body,
		ResponseStatus:  result.ResponseStatus,
		ResponseBody:    result.ResponseBody,
		ErrorMessage:    result.ErrorMessage,
	}
	if err := models.WriteWebhookDeliveryLog(ctx, w.DB, entry); err != nil {
		w.Logger.WithFields(logrus.Fields{
			"module":    "WebhookDispatcher",
			"config_id": cfg.ID,
		}).Error("failed to write delivery log: " + err.Error())
	}

	fields := logrus.Fields{
		"module":     "WebhookDispatcher",
		"config_id":  cfg.ID,
		"event_type": eventType,
		"attempt":    attemptNumber,
	}
	if result.Success {
		w.Logger.WithFields(fields).Info("webhook delivered")
	} else {
		w.Logger.WithFields(fields).Warn("webhook delivery failed")
	}
	return result
}

// Diagnosis is the operator-facing classification of a failed delivery.
type Diagnosis struct {
	Title      string `json:"title"`
	Details    string `json:"details"`
	Suggestion string `json:"suggestion"`
}

// diagnosisRule classifies one failure pattern. Rules are evaluated in order;
// the first match wins.
type diagnosisRule struct {
	matches func(*models.WebhookDeliveryLog) bool
	result  Diagnosis
}

var diagnosisRules = []diagnosisRule{
	{
		matches: func(l *models.WebhookDeliveryLog) bool {
			return statusIs(l, http.StatusUnauthorized) && bodyContains(l, "authorization")
		},
		result: Diagnosis{
			Title:      "Authorization required",
			Details:    "The destination answered 401 and mentions authorization in its response.",
			Suggestion: "Re-run the OAuth connection flow for this destination, then send a test delivery.",
		},
	},
	{
		matches: func(l *models.WebhookDeliveryLog) bool { return statusIs(l, http.StatusUnauthorized) },
		result: Diagnosis{
			Title:      "Authentication rejected",
			Details:    "The destination answered 401 Unauthorized.",
			Suggestion: "Check the shared secret or credentials configured on the receiving side.",
		},
	},
	{
		matches: func(l *models.WebhookDeliveryLog) bool { return statusIs(l, http.StatusForbidden) },
		result: Diagnosis{
			Title:      "Permission denied",
			Details:    "The destination answered 403 Forbidden.",
			Suggestion: "The endpoint credentials lack permission for this resource. Review the destination's access settings.",
		},
	},
	{
		matches: func(l *models.WebhookDeliveryLog) bool { return statusIs(l, http.StatusNotFound) },
		result: Diagnosis{
			Title:      "Endpoint not found",
			Details:    "The destination answered 404 Not Found.",
			Suggestion: "Verify the webhook URL path; the receiving route may have moved or been mistyped.",
		},
	},
	{
		matches: func(l *models.WebhookDeliveryLog) bool {
			return l.ResponseStatus != nil && *l.ResponseStatus >= 500
		},
		result: Diagnosis{
			Title:      "Destination error",
			Details:    "The destination answered with a 5xx server error.",
			Suggestion: "The problem is on the receiving side. Retry later or contact the endpoint's operator.",
		},
	},
	{
		matches: func(l *models.WebhookDeliveryLog) bool { return l.ErrorMessage != nil },
		result: Diagnosis{
			Title:      "Connection failed",
			Details:    "The request never received a response from the destination.",
			Suggestion: "Check that the URL is reachable from this network and that TLS certificates are valid.",
		},
	},
}

func statusIs(l *models.WebhookDeliveryLog, code int) bool {
	return l.ResponseStatus != nil && *l.ResponseStatus == code
}

func bodyContains(l *models.WebhookDeliveryLog, substr string) bool {
	return l.ResponseBody != nil && bytes.Contains(bytes.ToLower([]byte(*l.ResponseBody)), []byte(substr))
}

// Diagnose classifies the most recent delivery attempt for a config. It is
// read-only analysis; it never retries anything.
func (w *WebhookDispatcher) Diagnose(ctx context.Context, configId int) (*Diagnosis, error) {
	entry, err := models.LatestWebhookDeliveryLog(ctx, w.DB, configId)
	if err != nil {
		return nil, err
	}
	return DiagnoseDeliveryLog(entry), nil
}

// DiagnoseDeliveryLog runs the rule table over one log row.
func DiagnoseDeliveryLog(entry *models.WebhookDeliveryLog) *Diagnosis {
	if entry.ResponseStatus != nil && *entry.ResponseStatus >= 200 && *entry.ResponseStatus < 300 {
		return &Diagnosis{
			Title:      "Delivery succeeded",
			Details:    fmt.Sprintf("The most recent attempt returned status %d.", *entry.ResponseStatus),
			Suggestion: "No action needed.",
		}
	}
	for _, rule := range diagnosisRules {
		if rule.matches(entry) {
			d := rule.result
			return &d
		}
	}
	details := "The most recent attempt failed."
	if entry.ResponseStatus != nil {
		details = fmt.Sprintf("The most recent attempt returned status %d.", *entry.ResponseStatus)
	}
	return &Diagnosis{
		Title:      "Delivery failed",
		Details:    details,
		Suggestion: "Inspect the logged response body and the destination's own logs.",
	}
}
