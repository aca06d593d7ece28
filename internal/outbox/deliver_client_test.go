package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDeliverClientSendsBatch(t *testing.T) {
	var gotPath, gotAuth string
	var gotItems []DeliverItem

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotItems); err != nil {
			t.Errorf("decode request: %v", err)
		}

		results := make([]ItemResult, len(gotItems))
		for i, item := range gotItems {
			results[i] = ItemResult{ID: item.ID, Outcome: OutcomeCompleted}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DeliverResponse{Results: results})
	}))
	defer server.Close()

	client := NewDeliverClient(&DeliverClientConfig{
		BaseURL:   server.URL,
		AuthToken: "secret-token",
	})

	batch := []*Message{testMsg("id-1", "g1"), testMsg("id-2", "g1")}
	results, err := client.Deliver(context.Background(), batch)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if gotPath != "/outbox/deliver" {
		t.Errorf("expected POST /outbox/deliver, got %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if len(gotItems) != 2 {
		t.Fatalf("expected 2 items in request, got %d", len(gotItems))
	}
	if gotItems[0].ID != "id-1" || gotItems[0].MessageGroup != "g1" || gotItems[0].Type != TypeEvent {
		t.Errorf("unexpected first item: %+v", gotItems[0])
	}
	if len(results) != 2 || results[0].Outcome != OutcomeCompleted {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestDeliverClientMixedOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(DeliverResponse{Results: []ItemResult{
			{ID: "id-1", Outcome: OutcomeCompleted},
			{ID: "id-2", Outcome: OutcomeRetry, Error: "downstream busy"},
			{ID: "id-3", Outcome: OutcomeFailed, Error: "schema violation"},
		}})
	}))
	defer server.Close()

	client := NewDeliverClient(&DeliverClientConfig{BaseURL: server.URL})

	batch := []*Message{
		testMsg("id-1", "g"), testMsg("id-2", "g"), testMsg("id-3", "g"),
	}
	results, err := client.Deliver(context.Background(), batch)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[1].Outcome != OutcomeRetry || results[1].Error != "downstream busy" {
		t.Errorf("unexpected retry result: %+v", results[1])
	}
	if results[2].Outcome != OutcomeFailed {
		t.Errorf("unexpected failed result: %+v", results[2])
	}
}

func TestDeliverClientServerErrorIsWholesale(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewDeliverClient(&DeliverClientConfig{BaseURL: server.URL})

	results, err := client.Deliver(context.Background(), []*Message{testMsg("id-1", "g")})
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
	if results != nil {
		t.Errorf("expected no results on wholesale failure, got %+v", results)
	}
}

func TestDeliverClientConnectionError(t *testing.T) {
	client := NewDeliverClient(&DeliverClientConfig{
		BaseURL:        "http://127.0.0.1:1",
		RequestTimeout: 200 * time.Millisecond,
	})

	_, err := client.Deliver(context.Background(), []*Message{testMsg("id-1", "g")})
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestDeliverClientMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewDeliverClient(&DeliverClientConfig{BaseURL: server.URL})

	_, err := client.Deliver(context.Background(), []*Message{testMsg("id-1", "g")})
	if err == nil {
		t.Fatal("expected parse error on malformed response")
	}
}

func TestDeliverClientEmptyBatchNoRequest(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewDeliverClient(&DeliverClientConfig{BaseURL: server.URL})

	results, err := client.Deliver(context.Background(), nil)
	if err != nil || results != nil {
		t.Fatalf("expected nil/nil for empty batch, got %v / %v", results, err)
	}
	if called {
		t.Error("empty batch must not hit the endpoint")
	}
}
