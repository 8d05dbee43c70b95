package httptool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPTool_SuccessfulGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tool := NewTool()
	res, err := tool.Execute(context.Background(), fmt.Sprintf(`{"url":%q}`, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Result)
	}
}

func TestHTTPTool_BlocksSSRF(t *testing.T) {
	tool := NewTool()
	res, err := tool.Execute(context.Background(), `{"url":"http://127.0.0.1:9/"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected loopback URL to be blocked")
	}
}

func TestHTTPTool_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		w.Write([]byte("final"))
	}))
	defer srv.Close()

	tool := NewTool()
	res, err := tool.Execute(context.Background(), fmt.Sprintf(`{"url":%q}`, srv.URL+"/start"))
	if err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.Unmarshal([]byte(res.Result), &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.StatusCode != http.StatusFound {
		t.Fatalf("expected the 302 itself to be returned, got %d", parsed.StatusCode)
	}
}

func TestHTTPTool_ExceedsSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	tool := NewTool()
	res, err := tool.Execute(context.Background(), fmt.Sprintf(`{"url":%q,"max_response_size":10}`, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatal("2xx status with an oversized body must still report success")
	}
	if !strings.Contains(res.Result, "exceeded limit of 10 bytes") {
		t.Fatalf("expected sentinel body, got %s", res.Result)
	}
}
