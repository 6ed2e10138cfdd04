package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pithecene-io/dictum/metrics"
	"github.com/pithecene-io/dictum/types"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url string, m *metrics.Collector) *Client {
	t.Helper()
	c, err := New(Config{URL: url, Timeout: time.Second, TimeoutAsPending: true}, m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSubmit_RequestBody(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("X-Token = %q", r.Header.Get("X-Token"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"transcripcion":"t","resumen":"s"}}`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Submit(t.Context(), Request{AudioURL: "a", UploadURL: "u"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	want := map[string]string{"audio_url": "a", "assembly_upload_url": "u", "transcripcion": "", "resumen": ""}
	for k, v := range want {
		if gv, ok := got[k]; !ok || gv != v {
			t.Errorf("body[%s] = %q (present=%v), want %q", k, gv, ok, v)
		}
	}
}

func TestSubmit_Classification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    Disposition
		wantErr bool
	}{
		{"completed", 200, `{"success":true,"data":{"transcripcion":"hola","resumen":"ok"}}`, DispositionCompleted, false},
		{"pending", 202, `{"success":false,"pending":true}`, DispositionPending, false},
		{"pending on 5xx body", 503, `{"success":false,"pending":true,"error":"busy"}`, DispositionPending, false},
		{"failed", 200, `{"success":false,"error":"bad audio"}`, DispositionFailed, true},
		{"failed 4xx json", 400, `{"success":false,"error":"bad request"}`, DispositionFailed, true},
		{"non json 500", 500, `oops`, DispositionFailed, true},
		{"non json 200", 200, `oops`, DispositionFailed, true},
		{"missing success", 200, `{"pending":true}`, DispositionFailed, true},
		{"completed without summary", 200, `{"success":true,"data":{"transcripcion":"","resumen":""}}`, DispositionFailed, true},
		{"completed without data", 200, `{"success":true}`, DispositionFailed, true},
		{"completed without transcription", 200, `{"success":true,"data":{"transcripcion":"","resumen":"ok"}}`, DispositionCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			res, err := newClient(t, srv.URL, nil).Submit(t.Context(), Request{AudioURL: "a", UploadURL: "u"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, types.ErrWebhook) {
				t.Errorf("err = %v, want ErrWebhook", err)
			}
			if res == nil || res.Disposition != tt.want {
				t.Fatalf("result = %+v, want %s", res, tt.want)
			}
		})
	}
}

func TestSubmit_CompletedFields(t *testing.T) {
	srv := serve(t, 200, `{"success":true,"data":{"transcripcion":"hola","resumen":"ok"}}`)
	m := metrics.NewCollector("stub", "memory")
	res, err := newClient(t, srv.URL, m).Submit(t.Context(), Request{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Transcription != "hola" || res.Summary != "ok" {
		t.Errorf("result = %+v", res)
	}
	if m.Snapshot().WebhookCompleted != 1 {
		t.Errorf("WebhookCompleted = %d", m.Snapshot().WebhookCompleted)
	}
}

func TestSubmit_TimeoutAsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Timeout: 30 * time.Millisecond, TimeoutAsPending: true}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Submit(t.Context(), Request{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Disposition != DispositionPending {
		t.Errorf("Disposition = %s, want pending", res.Disposition)
	}

	c.cfg.TimeoutAsPending = false
	res, err = c.Submit(t.Context(), Request{})
	if !errors.Is(err, types.ErrWebhook) || res.Disposition != DispositionFailed {
		t.Errorf("without TimeoutAsPending: res = %+v, err = %v", res, err)
	}
}

func TestSubmit_CallerCancellationIsNotPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv.URL, nil).Submit(ctx, Request{})
	if !errors.Is(err, types.ErrWebhook) {
		t.Errorf("err = %v, want ErrWebhook", err)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Error("expected error for empty URL")
	}
}
