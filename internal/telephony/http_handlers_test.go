package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"telecom-callflow/internal/calls"
	"telecom-callflow/internal/ingest"
	"telecom-callflow/internal/store"

	"github.com/gin-gonic/gin"
)

const eventsPath = "/webhooks/telnyx/call-events"

func newRouter(h CallEventsHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST(eventsPath, h.Handle)
	return r
}

func post(r http.Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, eventsPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return out.Status
}

func newPipeline() (*ingest.Pipeline, *store.MemoryStore) {
	st := store.NewMemoryStore()
	p := ingest.NewPipeline(ingest.Options{Store: st, Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	return p, st
}

var answered = []byte(`{"event_type":"call.answered","data":{"id":"e1","occurred_at":"2024-05-01T10:00:05Z","payload":{"call_session_id":"S1","call_control_id":"cc-1"}}}`)

func TestCallEventsHandler_AppliesAndAcknowledgesDuplicates(t *testing.T) {
	p, st := newPipeline()
	r := newRouter(CallEventsHandler{Ingestor: p})

	w := post(r, answered, nil)
	if w.Code != http.StatusOK || decodeStatus(t, w) != string(calls.OutcomeApplied) {
		t.Fatalf("expected 200 applied, got %d %s", w.Code, w.Body.String())
	}
	w = post(r, answered, nil)
	if w.Code != http.StatusOK || decodeStatus(t, w) != string(calls.OutcomeDuplicate) {
		t.Fatalf("expected 200 duplicate, got %d %s", w.Code, w.Body.String())
	}
	c, err := st.GetCallBySession(context.Background(), "S1")
	if err != nil || c.Status != calls.StateAnswered {
		t.Fatalf("unexpected call: %+v %v", c, err)
	}
}

func TestCallEventsHandler_ProviderNativeEnvelope(t *testing.T) {
	p, _ := newPipeline()
	r := newRouter(CallEventsHandler{Ingestor: p})
	body := []byte(`{"data":{"event_type":"call.initiated","id":"e9","payload":{"call_control_id":"cc-9"}}}`)

	w := post(r, body, nil)
	if w.Code != http.StatusOK || decodeStatus(t, w) != string(calls.OutcomeApplied) {
		t.Fatalf("expected 200 applied, got %d %s", w.Code, w.Body.String())
	}
}

func TestCallEventsHandler_MalformedIsAcknowledged(t *testing.T) {
	p, _ := newPipeline()
	r := newRouter(CallEventsHandler{Ingestor: p})

	w := post(r, []byte(`{not json`), nil)
	if w.Code != http.StatusOK || decodeStatus(t, w) != string(calls.OutcomeMalformed) {
		t.Fatalf("expected 200 malformed, got %d %s", w.Code, w.Body.String())
	}
}

type failingIngestor struct{}

func (failingIngestor) Ingest(ctx context.Context, raw []byte) (ingest.Result, error) {
	return ingest.Result{EventID: "e1"}, errors.Join(ingest.ErrStorageFailure, errors.New("db down"))
}

func TestCallEventsHandler_StorageFailureIs500(t *testing.T) {
	r := newRouter(CallEventsHandler{Ingestor: failingIngestor{}})
	if w := post(r, answered, nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCallEventsHandler_BodyLimit(t *testing.T) {
	p, _ := newPipeline()
	r := newRouter(CallEventsHandler{Ingestor: p, MaxBodyBytes: 64})
	if w := post(r, answered, nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestCallEventsHandler_Signature(t *testing.T) {
	pub, priv := newTestKey(t)
	v, err := NewSignatureVerifier(base64.StdEncoding.EncodeToString(pub), time.Minute)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	p, st := newPipeline()
	r := newRouter(CallEventsHandler{Ingestor: p, Verifier: v})

	w := post(r, answered, map[string]string{HeaderSignature: "bogus", HeaderTimestamp: "1"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if ok, _ := st.EventExists(context.Background(), "e1"); ok {
		t.Fatalf("rejected event must not be ingested")
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	w = post(r, answered, map[string]string{HeaderSignature: sign(priv, ts, answered), HeaderTimestamp: ts})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
}
