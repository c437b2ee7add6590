package httpkit

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	testAuthToken = "0123456789abcdef0123456789abcdef"
	testBaseURL   = "https://recovery.example.com"
)

func sign(rawURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(testAuthToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newWebhookEngine(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.New("test")
	engine := gin.New()
	group := engine.Group("/webhooks")
	group.Use(WebhookSignature(cfg, log))
	group.Use(NewIPRateLimiter(rate.Limit(1), 1, log).RateLimitUnverified())
	group.POST("/conference", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return engine
}

func leaveForm() url.Values {
	return url.Values{
		"ConferenceSid":       {"CF00000000000000000000000000000001"},
		"CallSid":             {"CA000000000000000000000000000000A1"},
		"StatusCallbackEvent": {"participant-leave"},
	}
}

func participantLeave(signature string) *http.Request {
	form := leaveForm()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/conference", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	return req
}

func TestSignedWebhooksAreNotRateLimited(t *testing.T) {
	engine := newWebhookEngine(&config.Config{
		TwilioAuthToken:        testAuthToken,
		TwilioValidateWebhooks: true,
		PublicBaseURL:          testBaseURL,
	})
	form := leaveForm()
	signature := sign(testBaseURL+"/webhooks/conference", form)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, participantLeave(signature))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, participantLeave("bogus"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged signature rejected, got %d", rec.Code)
	}
}

func TestUnverifiedWebhooksAreRateLimited(t *testing.T) {
	engine := newWebhookEngine(&config.Config{})

	first := httptest.NewRecorder()
	engine.ServeHTTP(first, participantLeave(""))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected first request through, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	engine.ServeHTTP(second, participantLeave(""))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}
