package janus_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/simverse/voicebridge/pkg/janus"
)

func TestHTTPTransport_PostCarriesAPISecret(t *testing.T) {
	t.Parallel()

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"janus":       "success",
			"transaction": received["transaction"],
			"data":        map[string]any{"id": 12345},
		})
	}))
	defer srv.Close()

	tr := janus.NewHTTPTransport("s3cret")
	resp, err := tr.Post(context.Background(), srv.URL, janus.NewCreate())
	if err != nil {
		t.Fatalf("Post() error: %v", err)
	}
	if received["apisecret"] != "s3cret" {
		t.Errorf("apisecret body field = %v, want s3cret", received["apisecret"])
	}
	if got := resp.Kind(); got != "success" {
		t.Errorf("Kind() = %q, want success", got)
	}
	if got := resp.Data().ID(); got != "12345" {
		t.Errorf("Data().ID() = %q, want 12345", got)
	}
}

func TestHTTPTransport_PollQueryParameters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("apisecret"); got != "s3cret" {
			t.Errorf("apisecret query = %q, want s3cret", got)
		}
		if got := q.Get("maxev"); got != "1" {
			t.Errorf("maxev query = %q, want 1", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"janus": "keepalive"})
	}))
	defer srv.Close()

	tr := janus.NewHTTPTransport("s3cret")
	msg, err := tr.Poll(context.Background(), srv.URL+"/123")
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if got := msg.Kind(); got != "keepalive" {
		t.Errorf("Kind() = %q, want keepalive", got)
	}
}

func TestHTTPTransport_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	tr := janus.NewHTTPTransport("")
	if _, err := tr.Post(context.Background(), srv.URL, janus.NewCreate()); err == nil {
		t.Error("Post() should fail on a non-2xx status")
	}
	if _, err := tr.Poll(context.Background(), srv.URL); err == nil {
		t.Error("Poll() should fail on a non-2xx status")
	}
}

func TestHTTPTransport_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	tr := janus.NewHTTPTransport("")
	if _, err := tr.Post(context.Background(), srv.URL, janus.NewCreate()); err == nil {
		t.Error("Post() should fail on a malformed body, never return a partial message")
	}
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	t.Parallel()

	tr := janus.NewHTTPTransport("")
	if _, err := tr.Post(context.Background(), "http://127.0.0.1:1/janus", janus.NewCreate()); err == nil {
		t.Error("Post() should surface connection errors")
	}
}
