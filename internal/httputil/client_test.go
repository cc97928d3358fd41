package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type tick struct {
	Seq    int    `json:"seq"`
	Status string `json:"status"`
}

func TestNewStandardClient(t *testing.T) {
	custom := &http.Client{}
	if c := NewStandardClient(custom); c.Client != custom {
		t.Error("expected custom client to be wrapped")
	}
	if c := NewStandardClient(nil); c.Client != http.DefaultClient {
		t.Error("expected the default client")
	}
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"seq": 7, "status": "active"}`)

	var got tick
	if err := GetJSON(context.Background(), mock, "http://biostate.local/api/state", &got); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if got.Seq != 7 || got.Status != "active" {
		t.Errorf("got %+v", got)
	}
	if mock.RequestCount() != 1 {
		t.Fatalf("got %d requests, want 1", mock.RequestCount())
	}
	req := mock.Requests[0]
	if req.Method != http.MethodGet || req.Header.Get("Accept") != "application/json" {
		t.Errorf("unexpected request %s %v", req.Method, req.Header)
	}
}

func TestGetJSON_Errors(t *testing.T) {
	t.Parallel()

	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusNotFound, `{"error": "session not found"}`)
	mock.AddResponse(http.StatusBadGateway, "upstream down\n")
	mock.AddErrorResponse(errors.New("connection refused"))
	mock.AddResponse(http.StatusOK, "not json")

	var v tick
	err := GetJSON(context.Background(), mock, "http://x/a", &v)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusNotFound || se.Message != "session not found" {
		t.Errorf("got %+v", se)
	}

	err = GetJSON(context.Background(), mock, "http://x/b", &v)
	if !errors.As(err, &se) || se.Message != "upstream down" {
		t.Errorf("plain error body not surfaced: %v", err)
	}
	if se.Error() != "GET http://x/b: 502: upstream down" {
		t.Errorf("Error() = %q", se.Error())
	}

	if err := GetJSON(context.Background(), mock, "http://x/c", &v); err == nil {
		t.Error("expected transport error")
	}
	if err := GetJSON(context.Background(), mock, "http://x/d", &v); err == nil {
		t.Error("expected decode error")
	}
	if err := GetJSON(context.Background(), mock, "://bad", &v); err == nil {
		t.Error("expected request error")
	}
}

func TestMockHTTPClient_DefaultResponse(t *testing.T) {
	mock := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodGet, "http://x/", nil)
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("custom")
	}
	req, _ := http.NewRequest(http.MethodGet, "http://x/", nil)
	if _, err := mock.Do(req); err == nil || err.Error() != "custom" {
		t.Errorf("expected custom error, got %v", err)
	}
}

func TestStandardClient_GetJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/state" {
			NotFound(w, "no route")
			return
		}
		WriteJSONOK(w, tick{Seq: 3, Status: "stale"})
	}))
	defer srv.Close()

	client := NewStandardClient(srv.Client())
	var got tick
	if err := GetJSON(context.Background(), client, srv.URL+"/api/state", &got); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if got.Status != "stale" {
		t.Errorf("got %+v", got)
	}

	err := GetJSON(context.Background(), client, srv.URL+"/nope", &got)
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "no route" {
		t.Errorf("got %v", err)
	}
}
