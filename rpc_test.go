package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRPCClientCall(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"data":[{"id":"t1","owner_id":"alice","title":"x","status":"todo"}]}`)
	}))
	defer srv.Close()

	c := NewRPCClient("alice", WithBaseURL(srv.URL+"/"))
	var out []Task
	if err := c.Call(context.Background(), "get_tasks", map[string]any{"owner_id": "alice"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotPath != "/rpc/get_tasks" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer alice" {
		t.Fatalf("unexpected auth %q", gotAuth)
	}
	if gotBody["owner_id"] != "alice" {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if len(out) != 1 || out[0].ID != "t1" || out[0].Status != TaskTodo {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestRPCClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"rpc error", 403, `{"ok":false,"error":{"code":"FORBIDDEN","message":"blocked"}}`, "FORBIDDEN"},
		{"not ok with 200", 200, `{"ok":false,"error":{"code":"CONFLICT","message":"dup"}}`, "CONFLICT"},
		{"non-json error", 502, `bad gateway`, "HTTP_ERROR"},
		{"empty error envelope", 500, `{"ok":false}`, "HTTP_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := NewRPCClient("", WithBaseURL(srv.URL)).Call(context.Background(), "send_message", nil, nil)
			var rerr *RPCError
			if !errors.As(err, &rerr) {
				t.Fatalf("expected *RPCError, got %v", err)
			}
			if rerr.Code != tt.wantCode || rerr.Status != tt.status {
				t.Fatalf("unexpected error %+v", rerr)
			}
		})
	}
}

func TestRPCClientAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	if err := NewRPCClient("", WithBaseURL(srv.URL)).Call(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestRPCClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewRPCClient("", WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond))
	if err := c.Call(context.Background(), "get_tasks", nil, nil); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestCallerFunc(t *testing.T) {
	var got string
	var c Caller = CallerFunc(func(_ context.Context, name string, _ any, _ any) error {
		got = name
		return nil
	})
	c.Call(context.Background(), "get_friends", nil, nil)
	if got != "get_friends" {
		t.Fatalf("expected get_friends, got %q", got)
	}
}
