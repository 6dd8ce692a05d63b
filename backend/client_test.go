package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lingzhi-trainer/config"
	"lingzhi-trainer/model"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.BackendConfig{URL: srv.URL + "/", Timeout: 2})
}

func TestCredentialFromHeader(t *testing.T) {
	require.Equal(t, "abc", CredentialFromHeader("Bearer abc").Token)
	require.Equal(t, "abc", CredentialFromHeader("bearer  abc ").Token)
	require.Equal(t, "raw", CredentialFromHeader("raw").Token)
	require.True(t, CredentialFromHeader("").Empty())
}

func TestRequestsCarryBearerCredential(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/api/auth/me", r.URL.Path)
		json.NewEncoder(w).Encode(User{ID: "u1", Name: "小王"})
	}))

	u, err := c.CurrentUser(context.Background(), Credential{Token: "tok"})
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, "Bearer tok", gotAuth)
}

func TestUnauthorizedPolicyIsAsymmetric(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"token expired"}`)
	}))
	ctx := context.Background()
	cred := Credential{Token: "tok"}

	_, err := c.CurrentUser(ctx, cred)
	require.True(t, IsFatalAuth(err))
	require.Equal(t, 401, StatusCode(err))

	_, err = c.Login(ctx, "u", "p")
	require.True(t, IsFatalAuth(err))

	_, err = c.ListSessions(ctx, cred, model.StatusActive)
	require.Error(t, err)
	require.False(t, IsFatalAuth(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 401, apiErr.StatusCode)
	require.Equal(t, "token expired", apiErr.Message)

	_, err = c.SendMessage(ctx, cred, "s1", "hi")
	require.Error(t, err)
	require.False(t, IsFatalAuth(err))
}

func TestSessionEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(model.Session{ID: "s1", ScenarioID: req.ScenarioID, Mode: req.Mode, Status: model.StatusPending})
	})
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "active", r.URL.Query().Get("status"))
		json.NewEncoder(w).Encode([]model.Session{{ID: "s0", Status: model.StatusActive}})
	})
	mux.HandleFunc("GET /api/sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.Turn{{TurnNumber: 0, Role: model.RoleNPC, Content: "你好"}})
	})
	mux.HandleFunc("POST /api/sessions/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "completed", body["status"])
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/sessions/{id}/hint", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"先了解客户预算"}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()
	cred := Credential{Token: "tok"}

	s, err := c.CreateSession(ctx, cred, CreateSessionRequest{ScenarioID: "sc", Mode: model.ModeTrain})
	require.NoError(t, err)
	require.Equal(t, "s1", s.ID)
	require.Equal(t, model.ModeTrain, s.Mode)

	list, err := c.ListSessions(ctx, cred, model.StatusActive)
	require.NoError(t, err)
	require.Len(t, list, 1)

	turns, err := c.History(ctx, cred, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", turns[0].SessionID)

	require.NoError(t, c.EndSession(ctx, cred, "s1", model.StatusCompleted))

	hint, err := c.RequestHint(ctx, cred, "s1")
	require.NoError(t, err)
	require.Equal(t, "先了解客户预算", hint)
}

func TestSendMessageStreamsEvents(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/s1/messages", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "我想了解产品", body["content"])

		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"npc_response\",\"content\":\"好的\"}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"type\":\"done\"}\n\n")
	}))

	dec, err := c.SendMessage(context.Background(), Credential{Token: "tok"}, "s1", "我想了解产品")
	require.NoError(t, err)
	defer dec.Close()

	var events []model.StreamEvent
	for ev, err := range dec.All() {
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Equal(t, []model.StreamEvent{
		{Type: model.EventNPCResponse, Content: "好的"},
		{Type: model.EventDone},
	}, events)
}

func TestWaitReady(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.WaitReady(context.Background(), 5, time.Millisecond))
	require.EqualValues(t, 3, calls.Load())

	down := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	require.Error(t, down.WaitReady(context.Background(), 2, time.Millisecond))
}
