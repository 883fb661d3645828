package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/auth"
	"github.com/MarcoPoloResearchLab/denuncias/internal/network"
	"github.com/MarcoPoloResearchLab/denuncias/internal/notify"
	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/MarcoPoloResearchLab/denuncias/internal/reporting"
	"github.com/MarcoPoloResearchLab/denuncias/internal/syncengine"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "agent-secret"
	testUserID        = "citizen-42"
	validComplaint    = `{"category":"iluminacao","description":"Poste apagado na esquina","location":{"latitude":-23.55,"longitude":-46.63}}`
)

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSubmitter) Submit(_ context.Context, item queue.QueuedComplaint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, item.ID)
	return s.err
}

func (s *recordingSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type testAgent struct {
	handler    http.Handler
	store      *queue.Store
	engine     *syncengine.Engine
	trigger    *syncengine.Trigger
	monitor    *network.Monitor
	dispatcher *notify.Dispatcher
	holder     *auth.SessionHolder
	submitter  *recordingSubmitter
	token      string
}

type agentOptions struct {
	online         bool
	requireSession bool
	limits queue.AttachmentLimits
	logger *zap.Logger
}

func newTestAgent(t *testing.T, options agentOptions) *testAgent {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "agent.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		sqlDB.Close()
	})

	store, err := queue.NewStore(queue.StoreConfig{Open: func() (*gorm.DB, error) { return db, nil }, Limits: options.limits})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	monitor := network.NewMonitor(network.MonitorConfig{Initial: network.State{Online: options.online}})
	submitter := &recordingSubmitter{}
	engine, err := syncengine.NewEngine(syncengine.Config{Store: store, Submitter: submitter, Connectivity: monitor})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	holder := auth.NewSessionHolder(nil)
	triggerConfig := syncengine.TriggerConfig{Engine: engine, Source: monitor}
	if options.requireSession {
		triggerConfig.Ready = func() bool { return holder.Token() != "" }
	}
	trigger, err := syncengine.NewTrigger(triggerConfig)
	if err != nil {
		t.Fatalf("failed to construct trigger: %v", err)
	}
	history, err := reporting.NewRunStore(db)
	if err != nil {
		t.Fatalf("failed to construct history: %v", err)
	}
	reporter, err := reporting.NewReporter(reporting.ReporterConfig{Counter: store, Engine: engine, Network: monitor, History: history})
	if err != nil {
		t.Fatalf("failed to construct reporter: %v", err)
	}
	stopReporter := reporter.Start(context.Background())
	t.Cleanup(stopReporter)

	dispatcher := notify.NewDispatcher()
	bridge, err := notify.NewBridge(notify.BridgeConfig{Notifier: notify.NewLogNotifier(nil), Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("failed to construct bridge: %v", err)
	}
	t.Cleanup(bridge.Attach(engine))

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	token, _, err := issuer.Issue(testUserID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Store:             store,
		Engine:            engine,
		Trigger:           trigger,
		Monitor:           monitor,
		Reporter:          reporter,
		Dispatcher:        dispatcher,
		Sessions:          validator,
		SessionHolder:     holder,
		AllowedOrigins:    []string{"https://app.denuncias.local"},
		HeartbeatInterval: 20 * time.Millisecond,
		Logger:            options.logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	agent := &testAgent{
		handler:    handler,
		store:      store,
		engine:     engine,
		trigger:    trigger,
		monitor:    monitor,
		dispatcher: dispatcher,
		holder:     holder,
		submitter:  submitter,
		token:      token,
	}
	t.Cleanup(trigger.Start(context.Background()))
	t.Cleanup(trigger.Wait)
	return agent
}

func (a *testAgent) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.AddCookie(&http.Cookie{Name: "app_session", Value: a.token})
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestSubmitComplaintQueuesWhileOffline(t *testing.T) {
	agent := newTestAgent(t, agentOptions{online: false})

	recorder := agent.do(t, http.MethodPost, "/complaints", map[string]any{
		"id":      "complaint-1",
		"payload": json.RawMessage(validComplaint),
		"attachments": []map[string]string{
			{"name": "evidence.txt", "mime_type": "text/plain", "data_b64": base64.StdEncoding.EncodeToString([]byte("poste"))},
		},
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Item        queuedItemPayload `json:"item"`
		SyncStarted bool              `json:"sync_started"`
	}
	decodeBody(t, recorder, &response)
	if response.SyncStarted {
		t.Fatalf("expected no sync while offline")
	}
	if response.Item.Status != queue.StatusPending || response.Item.RetryCount != 0 {
		t.Fatalf("unexpected queued item %+v", response.Item)
	}
	if len(response.Item.Attachments) != 1 || response.Item.Attachments[0].SizeBytes != 5 {
		t.Fatalf("unexpected attachments %+v", response.Item.Attachments)
	}

	stored, err := agent.store.Get(context.Background(), "complaint-1")
	if err != nil {
		t.Fatalf("expected complaint to be persisted: %v", err)
	}
	if string(stored.Attachments[0].Data) != "poste" {
		t.Fatalf("unexpected stored attachment %q", stored.Attachments[0].Data)
	}
	if agent.holder.Token() != agent.token {
		t.Fatalf("expected session token to be remembered")
	}
}

func TestSubmitComplaintKicksSyncWhenOnline(t *testing.T) {
	agent := newTestAgent(t, agentOptions{online: true})

	recorder := agent.do(t, http.MethodPost, "/complaints", map[string]any{"payload": json.RawMessage(validComplaint)})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	agent.trigger.Wait()

	if len(agent.submitter.submitted()) != 1 {
		t.Fatalf("expected the new complaint to be submitted")
	}
	total, err := agent.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected delivered complaint to leave the queue, %d remain", total)
	}
}

func TestSubmitComplaintValidation(t *testing.T) {
	agent := newTestAgent(t, agentOptions{})

	testCases := []struct {
		name       string
		body       any
		wantStatus int
		wantField  string
	}{
		{name: "missing payload", body: map[string]any{"id": "x"}, wantStatus: http.StatusUnprocessableEntity, wantField: "Payload"},
		{name: "missing description", body: map[string]any{"payload": json.RawMessage(`{"category":"lixo"}`)}, wantStatus: http.StatusUnprocessableEntity, wantField: "Description"},
		{name: "bad latitude", body: map[string]any{"payload": json.RawMessage(`{"category":"lixo","description":"x","location":{"latitude":120,"longitude":0}}`)}, wantStatus: http.StatusUnprocessableEntity, wantField: "Latitude"},
		{name: "bad email", body: map[string]any{"payload": json.RawMessage(`{"category":"lixo","description":"x","contact":{"email":"nope"}}`)}, wantStatus: http.StatusUnprocessableEntity, wantField: "Email"},
		{name: "bad attachment", body: map[string]any{"payload": json.RawMessage(validComplaint), "attachments": []map[string]string{{"data_b64": "%%%"}}}, wantStatus: http.StatusUnprocessableEntity, wantField: "DataB64"},
		{name: "payload not an object", body: map[string]any{"payload": json.RawMessage(`[1,2]`)}, wantStatus: http.StatusBadRequest},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := agent.do(t, http.MethodPost, "/complaints", testCase.body)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d: %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			if testCase.wantField == "" {
				return
			}
			var response struct {
				Fields map[string]string `json:"fields"`
			}
			decodeBody(t, recorder, &response)
			if _, ok := response.Fields[testCase.wantField]; !ok {
				t.Fatalf("expected field %s in %v", testCase.wantField, response.Fields)
			}
		})
	}

	total, err := agent.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected nothing queued, got %d", total)
	}
}

func TestSubmitComplaintQuotaIsDistinct(t *testing.T) {
	agent := newTestAgent(t, agentOptions{limits: queue.AttachmentLimits{MaxAttachmentBytes: 4}})

	recorder := agent.do(t, http.MethodPost, "/complaints", map[string]any{
		"payload":     json.RawMessage(validComplaint),
		"attachments": []map[string]string{{"name": "video.bin", "mime_type": "application/octet-stream", "data_b64": base64.StdEncoding.EncodeToString([]byte("0123456789"))}},
	})
	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decodeBody(t, recorder, &response)
	if response.Error != "storage_quota_exceeded" || response.Code != "queue.save.quota_exceeded" {
		t.Fatalf("unexpected quota response %+v", response)
	}
}

func TestQueueRoutes(t *testing.T) {
	agent := newTestAgent(t, agentOptions{})
	for _, id := range []string{"a", "b"} {
		if recorder := agent.do(t, http.MethodPost, "/complaints", map[string]any{"id": id, "payload": json.RawMessage(validComplaint)}); recorder.Code != http.StatusAccepted {
			t.Fatalf("failed to queue %s: %d", id, recorder.Code)
		}
	}

	recorder := agent.do(t, http.MethodGet, "/queue", nil)
	var listing struct {
		Items  []queuedItemPayload `json:"items"`
		Counts map[string]int64    `json:"counts"`
	}
	decodeBody(t, recorder, &listing)
	if len(listing.Items) != 2 || listing.Counts["pending"] != 2 {
		t.Fatalf("unexpected listing %+v", listing)
	}

	if recorder := agent.do(t, http.MethodGet, "/queue/a", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for existing item, got %d", recorder.Code)
	}
	if recorder := agent.do(t, http.MethodGet, "/queue/missing", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing item, got %d", recorder.Code)
	}
	if recorder := agent.do(t, http.MethodDelete, "/queue/missing", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected removing an absent item to succeed, got %d", recorder.Code)
	}
	if recorder := agent.do(t, http.MethodDelete, "/queue/a", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder := agent.do(t, http.MethodDelete, "/queue", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on clear, got %d", recorder.Code)
	}
	total, err := agent.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected empty queue, got %d", total)
	}
}

func TestSyncRoutes(t *testing.T) {
	agent := newTestAgent(t, agentOptions{online: false})
	if recorder := agent.do(t, http.MethodPost, "/complaints", map[string]any{"id": "q", "payload": json.RawMessage(validComplaint)}); recorder.Code != http.StatusAccepted {
		t.Fatalf("failed to queue: %d", recorder.Code)
	}

	recorder := agent.do(t, http.MethodPost, "/sync", nil)
	var offline struct {
		Started bool   `json:"started"`
		Reason  string `json:"reason"`
	}
	decodeBody(t, recorder, &offline)
	if offline.Started || offline.Reason != "offline" {
		t.Fatalf("expected offline refusal, got %+v", offline)
	}

	recorder = agent.do(t, http.MethodPost, "/connectivity", map[string]any{"online": true, "rtt_ms": 1500})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from connectivity, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var state network.State
	decodeBody(t, recorder, &state)
	if !state.Online || state.EffectiveType != network.EffectiveType2G || !state.Slow {
		t.Fatalf("unexpected connectivity state %+v", state)
	}
	agent.trigger.Wait()
	if len(agent.submitter.submitted()) != 1 {
		t.Fatalf("expected reconnection to drain the queue")
	}

	recorder = agent.do(t, http.MethodPost, "/sync", nil)
	var empty struct {
		Started bool   `json:"started"`
		Reason  string `json:"reason"`
	}
	decodeBody(t, recorder, &empty)
	if empty.Started || empty.Reason != "empty" {
		t.Fatalf("expected empty-queue refusal, got %+v", empty)
	}

	recorder = agent.do(t, http.MethodGet, "/sync/status", nil)
	var status struct {
		Status     syncengine.SyncStatus `json:"status"`
		MaxRetries int                   `json:"max_retries"`
	}
	decodeBody(t, recorder, &status)
	if status.Status.Status != syncengine.PhaseCompleted || status.Status.Completed != 1 || status.MaxRetries != syncengine.DefaultMaxRetries {
		t.Fatalf("unexpected sync status %+v", status)
	}

	recorder = agent.do(t, http.MethodGet, "/sync/history?limit=5", nil)
	var history struct {
		Runs []reporting.SyncRun `json:"runs"`
	}
	decodeBody(t, recorder, &history)
	if len(history.Runs) != 1 || history.Runs[0].Completed != 1 {
		t.Fatalf("unexpected history %+v", history.Runs)
	}
	var rawHistory struct {
		Runs []map[string]json.RawMessage `json:"runs"`
	}
	decodeBody(t, recorder, &rawHistory)
	for _, key := range []string{"id", "started_at", "finished_at", "status", "completed", "failed"} {
		if _, ok := rawHistory.Runs[0][key]; !ok {
			t.Fatalf("expected history key %q in %s", key, recorder.Body.String())
		}
	}
	if recorder := agent.do(t, http.MethodGet, "/sync/history?limit=zero", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", recorder.Code)
	}

	recorder = agent.do(t, http.MethodGet, "/health", nil)
	var health reporting.Health
	decodeBody(t, recorder, &health)
	var rawHealth map[string]json.RawMessage
	decodeBody(t, recorder, &rawHealth)
	for _, key := range []string{"pending_count", "errored_count", "success_rate", "sync_runs", "offline_duration"} {
		if _, ok := rawHealth[key]; !ok {
			t.Fatalf("expected health key %q in %s", key, recorder.Body.String())
		}
	}
	if health.SyncRuns != 1 || health.PendingCount != 0 || !health.Slow {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestRetryRouteResetsErroredItems(t *testing.T) {
	agent := newTestAgent(t, agentOptions{online: true})
	item, err := queue.NewComplaint("stuck", []byte(validComplaint), nil, nil, time.Now())
	if err != nil {
		t.Fatalf("failed to build complaint: %v", err)
	}
	item.Status = queue.StatusError
	item.RetryCount = syncengine.DefaultMaxRetries
	if err := agent.store.Save(context.Background(), item); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	agent.do(t, http.MethodGet, "/sync/status", nil)
	agent.trigger.Wait()

	recorder := agent.do(t, http.MethodPost, "/sync/retry", nil)
	var response struct {
		Reset   int64 `json:"reset"`
		Started bool  `json:"started"`
	}
	decodeBody(t, recorder, &response)
	if response.Reset != 1 || !response.Started {
		t.Fatalf("unexpected retry response %+v", response)
	}
	agent.trigger.Wait()
	if submitted := agent.submitter.submitted(); len(submitted) != 1 || submitted[0] != "stuck" {
		t.Fatalf("expected reset item to be submitted, got %v", submitted)
	}
}

func TestSubmitComplaintConflictsWithInFlightSubmission(t *testing.T) {
	agent := newTestAgent(t, agentOptions{online: false})
	item, err := queue.NewComplaint("sending", []byte(validComplaint), nil, nil, time.Now())
	if err != nil {
		t.Fatalf("failed to build complaint: %v", err)
	}
	if err := agent.store.Save(context.Background(), item); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := agent.store.UpdateStatus(context.Background(), "sending", queue.StatusSyncing, ""); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	recorder := agent.do(t, http.MethodPost, "/complaints", map[string]any{"id": "sending", "payload": json.RawMessage(validComplaint)})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decodeBody(t, recorder, &body)
	if body.Error != "submission_in_progress" || body.Code != "queue.save.in_flight" {
		t.Fatalf("unexpected conflict body %+v", body)
	}
}

func TestFirstSessionStartsDeferredDrain(t *testing.T) {
	agent := newTestAgent(t, agentOptions{online: false, requireSession: true})
	item, err := queue.NewComplaint("left-over", []byte(validComplaint), nil, nil, time.Now())
	if err != nil {
		t.Fatalf("failed to build complaint: %v", err)
	}
	if err := agent.store.Save(context.Background(), item); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	agent.monitor.SetOnline(true)
	agent.trigger.Wait()
	if submitted := agent.submitter.submitted(); len(submitted) != 0 {
		t.Fatalf("expected no drain before a session is held, got %v", submitted)
	}

	if recorder := agent.do(t, http.MethodGet, "/sync/status", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	agent.trigger.Wait()
	if submitted := agent.submitter.submitted(); len(submitted) != 1 || submitted[0] != "left-over" {
		t.Fatalf("expected the first session to start the deferred drain, got %v", submitted)
	}
	total, err := agent.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected queue drained, %d remain", total)
	}

	agent.do(t, http.MethodGet, "/sync/status", nil)
	agent.trigger.Wait()
	if submitted := agent.submitter.submitted(); len(submitted) != 1 {
		t.Fatalf("expected a held session not to start further drains, got %v", submitted)
	}
}

func TestSessionArrivingOfflineDoesNotDrain(t *testing.T) {
	agent := newTestAgent(t, agentOptions{online: false, requireSession: true})
	item, err := queue.NewComplaint("waiting", []byte(validComplaint), nil, nil, time.Now())
	if err != nil {
		t.Fatalf("failed to build complaint: %v", err)
	}
	if err := agent.store.Save(context.Background(), item); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	agent.do(t, http.MethodGet, "/queue", nil)
	agent.trigger.Wait()
	if submitted := agent.submitter.submitted(); len(submitted) != 0 {
		t.Fatalf("expected no drain while offline, got %v", submitted)
	}

	agent.monitor.SetOnline(true)
	agent.trigger.Wait()
	if submitted := agent.submitter.submitted(); len(submitted) != 1 {
		t.Fatalf("expected reconnect with a held session to drain, got %v", submitted)
	}
}

func TestAuthorizeRequestRejectsMissingSession(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	agent := newTestAgent(t, agentOptions{logger: zap.New(core)})

	request := httptest.NewRequest(http.MethodGet, "/queue", http.NoBody)
	recorder := httptest.NewRecorder()
	agent.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/queue", http.NoBody)
	request.Header.Set("Authorization", "Bearer forged")
	recorder = httptest.NewRecorder()
	agent.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", recorder.Code)
	}

	entries := logs.FilterMessage("session validation failed").All()
	if len(entries) != 2 {
		t.Fatalf("expected two log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected log levels %s, %s", entries[0].Level, entries[1].Level)
	}
	for _, field := range entries[1].Context {
		if field.Type == zapcore.ErrorType && !errors.Is(field.Interface.(error), auth.ErrInvalidSessionToken) {
			t.Fatalf("expected invalid token error, got %v", field.Interface)
		}
	}

	request = httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	recorder = httptest.NewRecorder()
	agent.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected liveness without session, got %d", recorder.Code)
	}
}

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.denuncias.local"}))
	router.OPTIONS("/complaints", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/complaints", http.NoBody)
	request.Header.Set("Origin", "https://app.denuncias.local")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Authorization to be allowed, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingQueueStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}
