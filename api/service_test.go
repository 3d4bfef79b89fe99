package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/covenant-jmap/jmapcore/catalog"
	"github.com/covenant-jmap/jmapcore/dispatch"
	"github.com/covenant-jmap/jmapcore/resultset"
	"github.com/covenant-jmap/jmapcore/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	registry := catalog.NewRegistry()
	schema, err := storage.Open("file:"+t.Name()+"?mode=memory&cache=shared", registry)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	ops := resultset.New(schema, registry)
	engine := dispatch.NewEngine()
	for _, rc := range catalog.RecordClasses() {
		engine.RegisterRecordClass(rc, ops)
	}
	return &Service{Engine: engine, DB: schema.DB, Store: schema}
}

func TestHandleJMAPBareArray(t *testing.T) {
	svc := newTestService(t)
	body := `[["Cookie/set", {"accountId": "a1", "create": {"c1": {"type": "oatmeal"}}}, "c1"]]`
	req := httptest.NewRequest(http.MethodPost, "/jmap", strings.NewReader(body))
	w := httptest.NewRecorder()
	svc.handleJMAP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Errorf("missing Vary: Origin header")
	}
	if w.Header().Get("Ix-Transaction-ID") == "" {
		t.Errorf("missing Ix-Transaction-ID header")
	}
	if !strings.HasPrefix(strings.TrimSpace(w.Body.String()), "[") {
		t.Errorf("bare array request should get a bare array response, got %s", w.Body.String())
	}
}

func TestHandleJMAPWrapped(t *testing.T) {
	svc := newTestService(t)
	body := `{"methodCalls": [["Cookie/set", {"accountId": "a1", "create": {"c1": {"type": "oatmeal"}}}, "c1"]]}`
	req := httptest.NewRequest(http.MethodPost, "/jmap", strings.NewReader(body))
	w := httptest.NewRecorder()
	svc.handleJMAP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "methodResponses") {
		t.Errorf("wrapped request should get a methodResponses response, got %s", w.Body.String())
	}
}

func TestHandleJMAPMalformedJSON(t *testing.T) {
	svc := newTestService(t)
	req := httptest.NewRequest(http.MethodPost, "/jmap", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	svc.handleJMAP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "could not decode request") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHandleJMAPMissingClientIDRejected(t *testing.T) {
	svc := newTestService(t)
	body := `[["Cookie/get", {"accountId": "a1"}, ""]]`
	req := httptest.NewRequest(http.MethodPost, "/jmap", strings.NewReader(body))
	w := httptest.NewRecorder()
	svc.handleJMAP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when clientId missing and synthesis disabled", w.Code)
	}
}

func TestHandleJMAPSynthesizesClientID(t *testing.T) {
	svc := newTestService(t)
	svc.Engine.SynthesizeClientIDs = true
	body := `[["Cookie/get", {"accountId": "a1"}, ""]]`
	req := httptest.NewRequest(http.MethodPost, "/jmap", strings.NewReader(body))
	w := httptest.NewRecorder()
	svc.handleJMAP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleJMAPTooManyMethods(t *testing.T) {
	svc := newTestService(t)
	svc.Engine.SynthesizeClientIDs = true
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < dispatch.MaxCalls+1; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`["Cookie/get", {"accountId": "a1"}, "c"]`)
	}
	sb.WriteString("]")
	req := httptest.NewRequest(http.MethodPost, "/jmap", strings.NewReader(sb.String()))
	w := httptest.NewRecorder()
	svc.handleJMAP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, batch overflow is still a 200 with an error sentence", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tooManyMethods") {
		t.Errorf("body = %s", w.Body.String())
	}
}
