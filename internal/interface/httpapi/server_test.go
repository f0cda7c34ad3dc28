package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventsmemory "github.com/getsafe360/cockpit/internal/module/events/adapter/memory"
	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
	jobsmemory "github.com/getsafe360/cockpit/internal/module/jobs/adapter/memory"
	jobsapp "github.com/getsafe360/cockpit/internal/module/jobs/application"
	jobstesting "github.com/getsafe360/cockpit/internal/module/jobs/testing"
	ledgermemory "github.com/getsafe360/cockpit/internal/module/ledger/adapter/memory"
	ledgerapp "github.com/getsafe360/cockpit/internal/module/ledger/application"
	ledgerdomain "github.com/getsafe360/cockpit/internal/module/ledger/domain"
)

type serverFixture struct {
	server *Server
	bus    *eventsmemory.SiteEventBus
	ledger *jobstesting.MockLedger
	teamID uuid.UUID
}

func newServerFixture(t *testing.T, apiToken string) *serverFixture {
	t.Helper()

	bus := eventsmemory.NewSiteEventBus()
	mockLedger := &jobstesting.MockLedger{}

	orchestrator := jobsapp.NewOrchestrator(
		jobsmemory.NewRepository(),
		mockLedger,
		&jobstesting.MockAnalysisRunner{},
		&jobstesting.MockRemediationRunner{},
		&jobstesting.MockEstimator{},
		bus,
		jobsapp.DefaultConfig(),
		nil,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
	})

	ledgerSvc := ledgerapp.NewLedgerService(ledgermemory.NewRepository(), nil)
	teamID := uuid.New()
	_, err := ledgerSvc.CreateAccount(context.Background(), teamID, 5000)
	require.NoError(t, err)

	return &serverFixture{
		server: NewServer(orchestrator, ledgerSvc, bus, apiToken, nil),
		bus:    bus,
		ledger: mockLedger,
		teamID: teamID,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t, "secret-token")
	handler := f.server.Handler()

	// トークンなしは401
	rec := doJSON(t, handler, http.MethodPost, "/api/scan/start", map[string]string{"siteId": "site-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// healthzは認証不要
	rec = doJSON(t, handler, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 正しいBearerトークンは通る
	req := httptest.NewRequest(http.MethodPost, "/api/scan/start",
		strings.NewReader(`{"siteId":"site-1"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusAccepted, recorder.Code)
}

func TestScanStart(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/scan/start",
		map[string]string{"siteId": "site-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["jobId"])
}

func TestScanStartRequiresSiteID(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/scan/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFixStart(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/fix/start", map[string]any{
		"siteId": "site-1",
		"teamId": f.teamID,
		"issues": []map[string]any{{"id": "iss-1", "estTokens": 800}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(800), body["estTokens"])
}

func TestFixStartInsufficientTokens(t *testing.T) {
	f := newServerFixture(t, "")

	f.ledger.ReserveFunc = func(_ context.Context, teamID uuid.UUID, amount int64) (uuid.UUID, error) {
		return uuid.Nil, &ledgerdomain.InsufficientTokensError{TeamID: teamID, Have: 100, Need: amount}
	}

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/fix/start", map[string]any{
		"siteId": "site-1",
		"teamId": f.teamID,
		"issues": []map[string]any{{"id": "iss-1", "estTokens": 800}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "insufficient_tokens", body["error"])
	assert.Equal(t, float64(100), body["have"])
	assert.Equal(t, float64(800), body["need"])
}

func TestFixStartDuplicate(t *testing.T) {
	f := newServerFixture(t, "")
	handler := f.server.Handler()

	payload := map[string]any{
		"siteId": "site-1",
		"teamId": f.teamID,
		"issues": []map[string]any{{"id": "iss-1", "estTokens": 800}},
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/fix/start", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// fixのdoneは暫定状態なので、完了後でも同一イシューは重複扱い
	rec = doJSON(t, handler, http.MethodPost, "/api/fix/start", payload)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_job", decodeBody(t, rec)["error"])
}

func TestJobStatus(t *testing.T) {
	f := newServerFixture(t, "")
	handler := f.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/scan/start", map[string]string{"siteId": "site-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody(t, rec)["jobId"].(string)

	rec = doJSON(t, handler, http.MethodGet, "/api/jobs/"+jobID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "scan", body["kind"])
	assert.NotEmpty(t, body["status"])
	assert.NotZero(t, body["revision"])
}

func TestJobStatusNotFound(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodGet,
		"/api/jobs/"+uuid.NewString()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/api/jobs/not-a-uuid/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobResultLifecycle(t *testing.T) {
	f := newServerFixture(t, "")
	handler := f.server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/scan/start", map[string]string{"siteId": "site-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody(t, rec)["jobId"].(string)

	// モックランナーは即完了するので結果が取れるまで待つ
	require.Eventually(t, func() bool {
		rec := doJSON(t, handler, http.MethodGet, "/api/jobs/"+jobID+"/result", nil)
		return rec.Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	rec = doJSON(t, handler, http.MethodGet, "/api/jobs/"+jobID+"/result", nil)
	assert.NotEmpty(t, decodeBody(t, rec)["resultRef"])
}

func TestFixAcceptUnknownJob(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/fix/accept",
		map[string]any{"jobId": uuid.New()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTeamTokens(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodGet,
		"/api/team/tokens?teamId="+f.teamID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	balance := body["balance"].(map[string]any)
	assert.Equal(t, float64(5000), balance["tokensAvailable"])
}

func TestTokensPurchase(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/team/tokens/purchase",
		map[string]any{"teamId": f.teamID, "amount": 10000})
	require.Equal(t, http.StatusOK, rec.Code)

	balance := decodeBody(t, rec)["balance"].(map[string]any)
	assert.Equal(t, float64(15000), balance["tokensAvailable"])

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/api/team/tokens/purchase",
		map[string]any{"teamId": f.teamID, "amount": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStream(t *testing.T) {
	f := newServerFixture(t, "")

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?siteId=site-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// 初期コメントが届いてから発行する
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"))

	// 購読者が登録されるのを待つ
	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount("site-1") == 1
	}, time.Second, 10*time.Millisecond)

	event := eventsdomain.Event{
		Type: eventsdomain.TypeStatus, State: eventsdomain.StateRunning,
		SiteID: "site-1", JobID: "job-1", Revision: 2,
	}.Fingerprint(time.Now())
	require.NoError(t, f.bus.Publish("site-1", event))

	var frame []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(frame) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		frame = append(frame, line)
	}

	require.Len(t, frame, 2)
	assert.Equal(t, "event: status", frame[0])

	var received eventsdomain.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame[1], "data: ")), &received))
	assert.Equal(t, event.Revision, received.Revision)
	assert.Equal(t, event.Hash, received.Hash)
}

func TestEventsStreamRequiresSiteID(t *testing.T) {
	f := newServerFixture(t, "")

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/events", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
