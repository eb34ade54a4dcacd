package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"credit-card-platform/shared/logx"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if i := strings.LastIndexByte(line, '\n'); i >= 0 {
		line = line[i+1:]
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	return rec
}

func TestRequestLogRecordsIdempotencyAndReplay(t *testing.T) {
	var buf bytes.Buffer
	logger := logx.NewWithWriter(&buf, "api", "test", "", "info")
	h := WithRequestLog(logger, RequestLogOptions{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderReplayed, "true")
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cards/c1/purchases", nil)
	req.Header.Set(HeaderIdempotencyKey, "  "+strings.Repeat("k", 100)+"  ")
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := decodeLine(t, &buf)
	if rec["event"] != "http_request" || rec["status_code"] != float64(http.StatusCreated) {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["idempotency_key"] != strings.Repeat("k", maxLoggedKeyLen) {
		t.Fatalf("key not trimmed and capped: %v", rec["idempotency_key"])
	}
	if rec["replayed"] != true {
		t.Fatalf("expected replayed=true, got %v", rec["replayed"])
	}
}

func TestRequestLogOmitsKeyWithoutHeader(t *testing.T) {
	var buf bytes.Buffer
	logger := logx.NewWithWriter(&buf, "api", "test", "", "info")
	h := WithRequestLog(logger, RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("skipped path was logged: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/cards/c1", nil))
	rec := decodeLine(t, &buf)
	if _, ok := rec["idempotency_key"]; ok {
		t.Fatalf("unexpected idempotency key in %v", rec)
	}
	if _, ok := rec["replayed"]; ok {
		t.Fatalf("unexpected replayed flag in %v", rec)
	}
}

func TestRecoverHidesStackInProd(t *testing.T) {
	for _, tc := range []struct {
		env       string
		wantStack bool
	}{
		{"prod", false},
		{"dev", true},
	} {
		var buf bytes.Buffer
		logger := logx.NewWithWriter(&buf, "api", tc.env, "", "info")
		h := WithRecover(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/cards/c1", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("%s: status %d", tc.env, rr.Code)
		}
		rec := decodeLine(t, &buf)
		if _, ok := rec["stack"]; ok != tc.wantStack {
			t.Fatalf("%s: stack present=%v want %v", tc.env, ok, tc.wantStack)
		}
	}
}

func TestDecodeJSONRejectsUnknownAndTrailing(t *testing.T) {
	var dest struct {
		Amount int64 `json:"amount"`
	}
	for _, body := range []string{`{"amount":1,"extra":2}`, `{"amount":1}{"amount":2}`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if err := DecodeJSON(req, &dest); err == nil {
			t.Fatalf("expected error for %s", body)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":5}`))
	if err := DecodeJSON(req, &dest); err != nil || dest.Amount != 5 {
		t.Fatalf("decode: %+v %v", dest, err)
	}
}
