package atcoder

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

const samplePage = `[
  {"id":5870,"epoch_second":1468670000,"problem_id":"abc001_1","contest_id":"abc001","user_id":"tourist","language":"C++ (GCC 5.4.1)","point":100.0,"length":259,"result":"AC","execution_time":3},
  {"id":5871,"epoch_second":1468670100,"problem_id":"abc001_2","contest_id":"abc001","user_id":"tourist","language":"C++ (GCC 5.4.1)","point":0.0,"length":400,"result":"CE","execution_time":null}
]`

func TestFetchSubmissionsPageSendsCursorAndDecodes(t *testing.T) {
	var gotUser, gotFrom, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.URL.Query().Get("user")
		gotFrom = r.URL.Query().Get("from_second")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/v3/user/submissions", UserAgent: "tests", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	page, err := client.FetchSubmissionsPage(context.Background(), "tourist", 1468660000)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if gotUser != "tourist" || gotFrom != "1468660000" {
		t.Fatalf("unexpected query user=%q from_second=%q", gotUser, gotFrom)
	}
	if gotAgent != "tests" {
		t.Fatalf("unexpected user agent %q", gotAgent)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(page))
	}
	first := page[0]
	if first.ID != 5870 || first.EpochSecond != 1468670000 || first.ProblemID != "abc001_1" || first.Result != "AC" {
		t.Fatalf("unexpected first submission %+v", first)
	}
	if first.ExecutionTime == nil || *first.ExecutionTime != 3 {
		t.Fatalf("expected execution time 3, got %v", first.ExecutionTime)
	}
	if page[1].ExecutionTime != nil {
		t.Fatalf("expected nil execution time for compile error")
	}
}

func TestFetchSubmissionsPageEmptyArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	page, err := client.FetchSubmissionsPage(context.Background(), "tourist", 0)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if page == nil || len(page) != 0 {
		t.Fatalf("expected empty non-nil page, got %v", page)
	}
}

func TestFetchSubmissionsPageRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	_, err = client.FetchSubmissionsPage(context.Background(), "tourist", 0)
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestFetchSubmissionsPageRejectsMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if _, err := client.FetchSubmissionsPage(context.Background(), "tourist", 0); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{name: "empty", baseURL: "  "},
		{name: "unsupported-scheme", baseURL: "ftp://example.com/submissions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(ClientConfig{BaseURL: tt.baseURL}); !errors.Is(err, ErrInvalidClientConfig) {
				t.Fatalf("expected ErrInvalidClientConfig, got %v", err)
			}
		})
	}
}
