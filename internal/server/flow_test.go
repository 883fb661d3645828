package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/auth"
	"github.com/MarcoPoloResearchLab/denuncias/internal/database"
	"github.com/MarcoPoloResearchLab/denuncias/internal/network"
	"github.com/MarcoPoloResearchLab/denuncias/internal/notify"
	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/MarcoPoloResearchLab/denuncias/internal/remote"
	"github.com/MarcoPoloResearchLab/denuncias/internal/reporting"
	"github.com/MarcoPoloResearchLab/denuncias/internal/server"
	"github.com/MarcoPoloResearchLab/denuncias/internal/syncengine"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flowSigningSecret = "flow-secret"
	flowUserID        = "citizen-flow"
	jsonContentType   = "application/json"
)

type fakeRemote struct {
	mu             sync.Mutex
	failNext       int
	received       map[string]int
	authorizations []string
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizations = append(f.authorizations, r.Header.Get("Authorization"))
	if r.Header.Get("Idempotency-Key") != body.ID {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"maintenance"}`)) //nolint:errcheck
		return
	}
	f.received[body.ID]++
	w.WriteHeader(http.StatusCreated)
}

func TestOfflineSubmissionReachesRemoteAfterReconnect(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	remoteHandler := &fakeRemote{failNext: 1, received: map[string]int{}}
	remoteServer := httptest.NewServer(remoteHandler)
	defer remoteServer.Close()

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "flow.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	store, err := queue.NewStore(queue.StoreConfig{Open: func() (*gorm.DB, error) { return db, nil }})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	monitor := network.NewMonitor(network.MonitorConfig{Initial: network.State{Online: false}})
	holder := auth.NewSessionHolder(nil)
	client, err := remote.NewClient(remote.ClientConfig{SubmitURL: remoteServer.URL + "/denuncias", Tokens: holder})
	if err != nil {
		testContext.Fatalf("failed to construct client: %v", err)
	}
	engine, err := syncengine.NewEngine(syncengine.Config{Store: store, Submitter: client, Connectivity: monitor, SubmitTimeout: 2 * time.Second})
	if err != nil {
		testContext.Fatalf("failed to construct engine: %v", err)
	}
	trigger, err := syncengine.NewTrigger(syncengine.TriggerConfig{
		Engine: engine,
		Source: monitor,
		Ready:  func() bool { return holder.Token() != "" },
	})
	if err != nil {
		testContext.Fatalf("failed to construct trigger: %v", err)
	}
	defer trigger.Start(context.Background())()

	history, err := reporting.NewRunStore(db)
	if err != nil {
		testContext.Fatalf("failed to construct history: %v", err)
	}
	reporter, err := reporting.NewReporter(reporting.ReporterConfig{Counter: store, Engine: engine, Network: monitor, History: history})
	if err != nil {
		testContext.Fatalf("failed to construct reporter: %v", err)
	}
	defer reporter.Start(context.Background())()

	dispatcher := notify.NewDispatcher()
	events, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()
	realtime, err := notify.NewRealtimeNotifier(dispatcher)
	if err != nil {
		testContext.Fatalf("failed to construct notifier: %v", err)
	}
	bridge, err := notify.NewBridge(notify.BridgeConfig{Notifier: realtime, Dispatcher: dispatcher})
	if err != nil {
		testContext.Fatalf("failed to construct bridge: %v", err)
	}
	defer bridge.Attach(engine)()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(flowSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(flowSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to construct issuer: %v", err)
	}
	sessionToken, _, err := issuer.Issue(flowUserID, "")
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:         store,
		Engine:        engine,
		Trigger:       trigger,
		Monitor:       monitor,
		Reporter:      reporter,
		Dispatcher:    dispatcher,
		Sessions:      sessions,
		SessionHolder: holder,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	agentServer := httptest.NewServer(handler)
	defer agentServer.Close()

	post := func(path string, body any) *http.Response {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		request, err := http.NewRequest(http.MethodPost, agentServer.URL+path, bytes.NewReader(encoded))
		if err != nil {
			testContext.Fatalf("failed to build request: %v", err)
		}
		request.Header.Set("Content-Type", jsonContentType)
		request.AddCookie(&http.Cookie{Name: "app_session", Value: sessionToken})
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			testContext.Fatalf("request failed: %v", err)
		}
		response.Body.Close()
		return response
	}

	for _, id := range []string{"flow-1", "flow-2"} {
		response := post("/complaints", map[string]any{
			"id":      id,
			"payload": json.RawMessage(`{"category":"buraco","description":"Cratera na avenida"}`),
		})
		if response.StatusCode != http.StatusAccepted {
			testContext.Fatalf("expected 202 for %s, got %d", id, response.StatusCode)
		}
	}
	if response := post("/connectivity", map[string]any{"online": true, "effective_type": "4g"}); response.StatusCode != http.StatusOK {
		testContext.Fatalf("expected 200 from connectivity, got %d", response.StatusCode)
	}
	trigger.Wait()

	remaining, err := store.GetAll(context.Background())
	if err != nil {
		testContext.Fatalf("get all failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Status != queue.StatusPending || remaining[0].RetryCount != 1 {
		testContext.Fatalf("expected one rejected complaint back in pending, got %+v", remaining)
	}

	if response := post("/sync", nil); response.StatusCode != http.StatusAccepted {
		testContext.Fatalf("expected 202 from sync, got %d", response.StatusCode)
	}
	trigger.Wait()
	bridge.Wait()

	total, err := store.Count(context.Background())
	if err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		testContext.Fatalf("expected empty queue after second drain, %d remain", total)
	}

	remoteHandler.mu.Lock()
	received := len(remoteHandler.received)
	for _, authorization := range remoteHandler.authorizations {
		if authorization != "Bearer "+sessionToken {
			remoteHandler.mu.Unlock()
			testContext.Fatalf("expected session to be forwarded, got %q", authorization)
		}
	}
	remoteHandler.mu.Unlock()
	if received != 2 {
		testContext.Fatalf("expected both complaints delivered once, got %d", received)
	}

	runs, err := reporter.History(context.Background(), 10)
	if err != nil {
		testContext.Fatalf("history failed: %v", err)
	}
	if len(runs) != 2 || runs[0].Completed != 1 || runs[1].Failed != 1 {
		testContext.Fatalf("unexpected run history %+v", runs)
	}

	kinds := map[notify.Kind]bool{}
	for len(events) > 0 {
		event := <-events
		if message, ok := event.Data.(notify.Message); ok {
			kinds[message.Kind] = true
		}
	}
	if !kinds[notify.KindPartialFailure] || !kinds[notify.KindSuccess] {
		testContext.Fatalf("expected partial failure and success notifications, got %v", kinds)
	}
}
