package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestGetJSONRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"available":["alice"]}`))
	}))
	defer ts.Close()

	client := newAPIClient(ts.URL)
	var out availableResponse
	if err := client.getJSON(context.Background(), "/status/available", &out); err != nil {
		t.Fatalf("getJSON after transient failures: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server hit %d times, want 3", got)
	}
	if len(out.Available) != 1 || out.Available[0] != "alice" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestGetJSONReportsLastErrorWhenExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := newAPIClient(ts.URL)
	var out availableResponse
	err := client.getJSON(context.Background(), "/status/available", &out)
	if err == nil {
		t.Fatal("getJSON against a failing relay should error")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("error should carry the relay status, got %v", err)
	}
}
