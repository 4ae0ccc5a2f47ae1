// Package devserver is an in-memory backend speaking the tasksync RPC and
// realtime protocols. It backs the CLI's devserver command and end-to-end
// tests; nothing is persisted.
package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/tasksync"
	"github.com/LuminPulse-AI/tasksync/wire"
)

// Options configures a Server.
type Options struct {
	// WebhookURLs receive every change notification, signed with WebhookSecret.
	WebhookURLs   []string
	WebhookSecret string
	Logger        zerolog.Logger
	// Now replaces time.Now for record timestamps.
	Now func() time.Time
}

// Server is the reference backend. The bearer token of a request is taken
// as the caller's user id.
type Server struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	db  *db
	hub *hub

	failMu sync.Mutex
	fail   map[string][]error

	httpClient *http.Client
}

// New creates an empty server.
func New(opts Options) *Server {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "devserver").Logger(),
		now:        now,
		db:         newDB(),
		fail:       make(map[string][]error),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	s.hub = newHub(s.log)
	return s
}

// Handler returns the HTTP surface:
//
//	POST /rpc/{name}   remote procedure calls
//	GET  /realtime     WebSocket change notifications
//	GET  /ping         health
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Post("/rpc/{name}", s.handleRPC)
	r.Get("/realtime", s.hub.serve)
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})
	return r
}

// FailNext makes the next call to the named RPC fail with err.
func (s *Server) FailNext(name string, err error) {
	if err == nil {
		err = errors.New("injected failure")
	}
	s.failMu.Lock()
	s.fail[name] = append(s.fail[name], err)
	s.failMu.Unlock()
}

func (s *Server) takeFailure(name string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	q := s.fail[name]
	if len(q) == 0 {
		return nil
	}
	s.fail[name] = q[1:]
	return q[0]
}

// Clients returns the number of connected realtime sockets.
func (s *Server) Clients() int { return s.hub.clients() }

// ============================================================================
// RPC
// ============================================================================

// rpcError carries an error code and HTTP status out of a handler.
type rpcError struct {
	status int
	code   string
	msg    string
}

func (e *rpcError) Error() string { return e.code + ": " + e.msg }

func badRequest(format string, args ...any) error {
	return &rpcError{http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &rpcError{http.StatusNotFound, "NOT_FOUND", fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) error {
	return &rpcError{http.StatusForbidden, "FORBIDDEN", fmt.Sprintf(format, args...)}
}

type rpcHandler func(s *Server, user string, params json.RawMessage) (any, error)

var rpcHandlers = map[string]rpcHandler{
	"get_conversations":      (*Server).getConversations,
	"get_messages":           (*Server).getMessages,
	"send_message":           (*Server).sendMessage,
	"delete_message":         (*Server).deleteMessage,
	"mark_messages_read":     (*Server).markMessagesRead,
	"get_friends":            (*Server).getFriends,
	"get_friend_requests":    (*Server).getFriendRequests,
	"send_friend_request":    (*Server).sendFriendRequest,
	"accept_friend_request":  (*Server).acceptFriendRequest,
	"reject_friend_request":  (*Server).rejectFriendRequest,
	"remove_friend":          (*Server).removeFriend,
	"get_tasks":              (*Server).getTasks,
	"set_task_status":        (*Server).setTaskStatus,
	"get_shared_tasks":       (*Server).getSharedTasks,
	"share_task":             (*Server).shareTask,
	"get_comments":           (*Server).getComments,
	"add_comment":            (*Server).addComment,
	"get_notifications":      (*Server).getNotifications,
	"mark_notification_read": (*Server).markNotificationRead,
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	user := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if user == "" {
		writeResult(w, http.StatusUnauthorized, nil, &tasksync.RPCError{Code: "UNAUTHORIZED", Message: "missing bearer token"})
		return
	}

	h, ok := rpcHandlers[name]
	if !ok {
		writeResult(w, http.StatusNotFound, nil, &tasksync.RPCError{Code: "NOT_FOUND", Message: "unknown function " + name})
		return
	}

	var params json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeResult(w, http.StatusBadRequest, nil, &tasksync.RPCError{Code: "BAD_REQUEST", Message: "invalid json"})
		return
	}

	if err := s.takeFailure(name); err != nil {
		s.log.Info().Str("rpc", name).Err(err).Msg("injected failure")
		writeResult(w, http.StatusInternalServerError, nil, &tasksync.RPCError{Code: "INTERNAL", Message: err.Error()})
		return
	}

	data, err := h(s, user, params)
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) {
			writeResult(w, re.status, nil, &tasksync.RPCError{Code: re.code, Message: re.msg})
		} else {
			writeResult(w, http.StatusInternalServerError, nil, &tasksync.RPCError{Code: "INTERNAL", Message: err.Error()})
		}
		s.log.Debug().Str("rpc", name).Str("user", user).Err(err).Msg("rpc failed")
		return
	}
	s.log.Debug().Str("rpc", name).Str("user", user).Msg("rpc")
	writeResult(w, http.StatusOK, data, nil)
}

func writeResult(w http.ResponseWriter, status int, data any, rpcErr *tasksync.RPCError) {
	res := tasksync.RPCResult{OK: rpcErr == nil, Error: rpcErr}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			status = http.StatusInternalServerError
			res = tasksync.RPCResult{Error: &tasksync.RPCError{Code: "INTERNAL", Message: err.Error()}}
		} else {
			res.Data = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest("invalid params: %v", err)
	}
	return nil
}

// ============================================================================
// Change fan-out
// ============================================================================

// publish delivers a change on table to every matching realtime channel
// and to every configured webhook.
func (s *Server) publish(table, event string, record map[string]any) {
	raw, err := json.Marshal(record)
	if err != nil {
		s.log.Error().Err(err).Str("table", table).Msg("marshal change record")
		return
	}
	delivered := s.hub.broadcast(table, event, raw)
	s.log.Debug().Str("table", table).Str("event", event).Int("channels", delivered).Msg("change published")

	if len(s.opts.WebhookURLs) == 0 {
		return
	}
	body, err := json.Marshal(wire.ChangeNotification{
		Source:    wire.NotificationSource,
		Table:     table,
		Event:     event,
		Record:    raw,
		Timestamp: s.now().UnixMilli(),
	})
	if err != nil {
		return
	}
	sig := tasksync.SignNotification(body, s.opts.WebhookSecret)
	for _, url := range s.opts.WebhookURLs {
		go s.postWebhook(url, body, sig)
	}
}

func (s *Server) postWebhook(url string, body []byte, sig string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wire.SignatureHeader, sig)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("url", url).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("webhook rejected")
	}
}

// DropClients closes every realtime socket, e.g. to exercise client reconnects.
func (s *Server) DropClients() { s.hub.drop() }
