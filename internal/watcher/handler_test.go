package watcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"call_recovery_backend/internal/watcher/sse"
	"call_recovery_backend/platform/httpkit"
	"call_recovery_backend/platform/logger"
	"call_recovery_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

func newTestEngine(f *fixture, stream *sse.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(f.service, validator.New(), logger.New("test"))

	engine := gin.New()
	protected := engine.Group("/api/v1", func(c *gin.Context) {
		c.Set(httpkit.ContextWorkerSIDKey, testWorker)
		c.Set(httpkit.ContextWorkerNameKey, "Alice")
		c.Next()
	})
	protected.POST("/watcher/reservations", h.HandleReservation)
	if stream != nil {
		protected.GET("/watcher/stream", stream.Handler(workerFromContext, f.service.Snapshot))
	}
	return engine
}

func postReservation(engine *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/watcher/reservations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandleReservationReturnsState(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, nil)

	w := postReservation(engine, `{"event":"created","reservationSid":"`+testReservation+`","taskSid":"`+testPing+`","taskChannel":"voice","workflowSid":"`+testPingWorkflow+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ReservationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != StatePingFlow || resp.TaskSid != testPing {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleReservationValidates(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, nil)

	cases := []string{
		`{"event":"exploded","reservationSid":"` + testReservation + `","taskSid":"` + testTask + `","taskChannel":"voice"}`,
		`{"event":"created","reservationSid":"WR1","taskSid":"` + testTask + `","taskChannel":"voice"}`,
		`{"event":"created","reservationSid":"` + testReservation + `","taskSid":"` + testTask + `"}`,
		`{"event":"created","reservationSid":"` + testReservation + `","taskSid":"` + testTask + `","taskChannel":"voice","taskAttributes":"oops"}`,
	}
	for i, body := range cases {
		if w := postReservation(engine, body); w.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, w.Code)
		}
	}
}

func TestStreamReplaysOpenDialog(t *testing.T) {
	f := newFixture(t)
	stream := sse.New(logger.New("test"))
	engine := newTestEngine(f, stream)
	f.service.showDialog(testWorker, msgDisconnected, msgAwaiting)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/watcher/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event:connected") || !strings.Contains(body, "event:dialog.show") || !strings.Contains(body, msgAwaiting) {
		t.Fatalf("unexpected stream: %q", body)
	}
	if stream.Connected(testWorker) != 0 {
		t.Fatal("expected client removed after disconnect")
	}
}
