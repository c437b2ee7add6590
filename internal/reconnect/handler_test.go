package reconnect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/platform/httpkit"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

func newTestEngine(f *fixture, authenticated bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(f.dispatcher, validator.New(), logger.New("test"))

	engine := gin.New()
	engine.POST("/webhooks/taskrouter", h.HandleTaskRouterCallback)
	protected := engine.Group("/api/v1", func(c *gin.Context) {
		if authenticated {
			c.Set(httpkit.ContextWorkerSIDKey, testWorker)
		}
		c.Next()
	})
	protected.POST("/reconnect/merge", h.HandleMerge)
	return engine
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func callbackRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/taskrouter", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestTaskRouterCallbackDispatchesPingAcceptance(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, true)
	attrs, _ := pingAttributes().JSON()

	w := serve(engine, callbackRequest(url.Values{
		"EventType":      {EventReservationAccepted},
		"TaskSid":        {testPing},
		"WorkflowSid":    {testPingWorkflow},
		"WorkerSid":      {testWorker},
		"TaskAttributes": {string(attrs)},
	}))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if f.phone.EnqueuedCount() != 1 {
		t.Fatalf("expected reconnect enqueued, got %d", f.phone.EnqueuedCount())
	}
}

func TestTaskRouterCallbackIgnoresTasklessEvents(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, true)

	w := serve(engine, callbackRequest(url.Values{"EventType": {"worker.activity.update"}}))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestTaskRouterCallbackRejectsBadAttributes(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, true)

	w := serve(engine, callbackRequest(url.Values{
		"EventType":      {EventTaskCanceled},
		"TaskSid":        {testPing},
		"TaskAttributes": {"{not json"},
	}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMergeEndpoint(t *testing.T) {
	f := newFixture(t)
	third := "CA000000000000000000000000000000D1"
	f.phone.Conferences[testConference] = telephony.ConferenceInProgress
	f.phone.Participants[testConference] = []telephony.Participant{{CallSID: third, Label: "supervisor"}}
	f.phone.CallStatus[third] = telephony.CallInProgress
	engine := newTestEngine(f, true)

	body := `{"fromConferenceSid":"` + testConference + `","toConferenceName":"reconnect-` + testTask + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconnect/merge", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := serve(engine, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result MergeResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Moved) != 1 || result.Moved[0] != third {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestMergeEndpointValidates(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconnect/merge", strings.NewReader(`{"fromConferenceSid":"bogus"}`))
	req.Header.Set("Content-Type", "application/json")
	if w := serve(engine, req); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMergeEndpointRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconnect/merge", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if w := serve(engine, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
