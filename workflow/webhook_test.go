package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"bitbucket.org/inklinehq/capture_backend/models"
	"bitbucket.org/inklinehq/capture_backend/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type receivedRequest struct {
	body      []byte
	signature string
}

// captureServer records every request and answers with the given status.
func captureServer(t *testing.T, status int) (*httptest.Server, func() []receivedRequest) {
	t.Helper()
	var mu sync.Mutex
	var received []receivedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, receivedRequest{body: body, signature: r.Header.Get("X-Capture-Signature")})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []receivedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]receivedRequest(nil), received...)
	}
}

func createTestWebhook(t *testing.T, db *gorm.DB, url, secret string, eventTypes []string) *models.WebhookConfig {
	t.Helper()
	cfg, err := models.CreateWebhookConfig(context.Background(), db, "biz-1", &models.NewWebhookConfig{
		Url:        url,
		Secret:     secret,
		EventTypes: eventTypes,
	})
	require.NoError(t, err)
	return cfg
}

func TestDispatchDeliversSignedBody(t *testing.T) {
	db := openTestDB(t)
	scheduler := NewJobScheduler(db, newTestLogger())
	dispatcher := NewWebhookDispatcher(db, newTestLogger(), scheduler)
	ctx := context.Background()

	srv, received := captureServer(t, http.StatusOK)
	cfg := createTestWebhook(t, db, srv.URL, "wh-secret", []string{"document.validated"})

	require.NoError(t, dispatcher.Dispatch(ctx, "biz-1", models.EventDocumentValidated, map[string]any{"document_id": 42}))

	// Dispatch enqueues, the job handler delivers.
	job := mustClaim(t, db, "w1")
	require.Equal(t, models.JobTypeWebhookDeliver, job.Type)
	require.NoError(t, dispatcher.HandleJob(ctx, job))

	reqs := received()
	require.Len(t, reqs, 1)

	// Exactly one log row, with the response status filled in.
	logs, err := models.ListWebhookDeliveryLogs(ctx, db, cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].ResponseStatus)
	require.Equal(t, http.StatusOK, *logs[0].ResponseStatus)
	require.Equal(t, 1, logs[0].AttemptNumber)

	// The signature verifies independently over the logged body.
	mac := hmac.New(sha256.New, []byte("wh-secret"))
	mac.Write(logs[0].RequestBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), reqs[0].signature)
	require.Equal(t, logs[0].RequestBody, reqs[0].body)

	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &body))
	require.Equal(t, "document.validated", body["event_type"])
	require.NotEmpty(t, body["timestamp"])
}

func TestDispatchSkipsUnsubscribedConfigs(t *testing.T) {
	db := openTestDB(t)
	scheduler := NewJobScheduler(db, newTestLogger())
	dispatcher := NewWebhookDispatcher(db, newTestLogger(), scheduler)
	ctx := context.Background()

	srv, _ := captureServer(t, http.StatusOK)
	createTestWebhook(t, db, srv.URL, "", []string{"batch.exported"})

	require.NoError(t, dispatcher.Dispatch(ctx, "biz-1", models.EventDocumentValidated, map[string]any{"document_id": 1}))

	var count int64
	require.NoError(t, db.Model(&models.Job{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestFailedDeliveryIsLoggedAndRetryable(t *testing.T) {
	db := openTestDB(t)
	scheduler := NewJobScheduler(db, newTestLogger())
	dispatcher := NewWebhookDispatcher(db, newTestLogger(), scheduler)
	ctx := context.Background()

	srv, _ := captureServer(t, http.StatusBadGateway)
	cfg := createTestWebhook(t, db, srv.URL, "", []string{"document.validated"})

	require.NoError(t, dispatcher.Dispatch(ctx, "biz-1", models.EventDocumentValidated, map[string]any{"document_id": 1}))
	job := mustClaim(t, db, "w1")
	err := dispatcher.HandleJob(ctx, job)
	require.Error(t, err)
	require.False(t, nonRetryable(err), "non-2xx goes through the backoff policy")

	logs, err := models.ListWebhookDeliveryLogs(ctx, db, cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, http.StatusBadGateway, *logs[0].ResponseStatus)
}

func TestNetworkFailureStillWritesOneLogRow(t *testing.T) {
	db := openTestDB(t)
	scheduler := NewJobScheduler(db, newTestLogger())
	dispatcher := NewWebhookDispatcher(db, newTestLogger(), scheduler)
	ctx := context.Background()

	// A server that is already closed: the POST never connects.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	cfg := createTestWebhook(t, db, url, "", []string{"document.validated"})

	require.NoError(t, dispatcher.Dispatch(ctx, "biz-1", models.EventDocumentValidated, map[string]any{"document_id": 1}))
	job := mustClaim(t, db, "w1")
	require.Error(t, dispatcher.HandleJob(ctx, job))

	logs, err := models.ListWebhookDeliveryLogs(ctx, db, cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1, "logging is never skipped, even on connection failure")
	require.Nil(t, logs[0].ResponseStatus)
	require.NotNil(t, logs[0].ErrorMessage)
}

func TestSendTestPerformsExactlyOneAttempt(t *testing.T) {
	db := openTestDB(t)
	scheduler := NewJobScheduler(db, newTestLogger())
	dispatcher := NewWebhookDispatcher(db, newTestLogger(), scheduler)
	ctx := context.Background()

	srv, received := captureServer(t, http.StatusInternalServerError)
	cfg := createTestWebhook(t, db, srv.URL, "wh-secret", []string{"document.validated"})

	result, err := dispatcher.SendTest(ctx, cfg.ID)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, http.StatusInternalServerError, *result.ResponseStatus)

	require.Len(t, received(), 1)

	// No retry jobs were scheduled for the test send.
	var count int64
	require.NoError(t, db.Model(&models.Job{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestDiagnoseRuleTable(t *testing.T) {
	cases := []struct {
		name      string
		status    *int
		body      *string
		errMsg    *string
		wantTitle string
	}{
		{"401 with authorization text", utils.Ptr(401), utils.Ptr(`{"error":"Authorization required"}`), nil, "Authorization required"},
		{"plain 401", utils.Ptr(401), utils.Ptr("nope"), nil, "Authentication rejected"},
		{"403", utils.Ptr(403), nil, nil, "Permission denied"},
		{"404", utils.Ptr(404), nil, nil, "Endpoint not found"},
		{"500", utils.Ptr(500), nil, nil, "Destination error"},
		{"503", utils.Ptr(503), nil, nil, "Destination error"},
		{"network failure", nil, nil, utils.Ptr("dial tcp: connection refused"), "Connection failed"},
		{"success", utils.Ptr(200), nil, nil, "Delivery succeeded"},
	}
	for _, tc := range cases {
		entry := &models.WebhookDeliveryLog{
			ResponseStatus: tc.status,
			ResponseBody:   tc.body,
			ErrorMessage:   tc.errMsg,
		}
		diag := DiagnoseDeliveryLog(entry)
		if diag.Title != tc.wantTitle {
			t.Errorf("%s: title = %q, want %q", tc.name, diag.Title, tc.wantTitle)
		}
		if diag.Suggestion == "" || diag.Details == "" {
			t.Errorf("%s: diagnosis must carry details and a suggestion", tc.name)
		}
	}
}

func TestDiagnoseReadsLatestAttempt(t *testing.T) {
	db := openTestDB(t)
	scheduler := NewJobScheduler(db, newTestLogger())
	dispatcher := NewWebhookDispatcher(db, newTestLogger(), scheduler)
	ctx := context.Background()

	cfg := createTestWebhook(t, db, "http://callback.example/hook", "", []string{"document.validated"})
	require.NoError(t, models.WriteWebhookDeliveryLog(ctx, db, &models.WebhookDeliveryLog{
		WebhookConfigId: cfg.ID, EventType: models.EventDocumentValidated,
		AttemptNumber: 1, ResponseStatus: utils.Ptr(500),
	}))
	require.NoError(t, models.WriteWebhookDeliveryLog(ctx, db, &models.WebhookDeliveryLog{
		WebhookConfigId: cfg.ID, EventType: models.EventDocumentValidated,
		AttemptNumber: 2, ResponseStatus: utils.Ptr(404),
	}))

	diag, err := dispatcher.Diagnose(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, "Endpoint not found", diag.Title)
}
