package agentdesk

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*Client, *chi.Mux) {
	t.Helper()
	r := chi.NewRouter()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient("tok-1", WithBaseURL(srv.URL+"/")), r
}

func writeOK(w http.ResponseWriter, body map[string]any) {
	body["ok"] = true
	writeJSON(w, http.StatusOK, body)
}

func TestClientFetchConversations(t *testing.T) {
	client, r := newTestAPI(t)
	r.Post("/api/workspaces/{ws}/conversations/search", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "ws-1", chi.URLParam(req, "ws"))
		assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
		assert.NotEmpty(t, req.Header.Get("X-Request-ID"))

		var body searchRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, 50, body.Offset)
		assert.Equal(t, 25, body.Limit)
		assert.Equal(t, "mine", body.Filter.Tab)

		writeOK(w, map[string]any{
			"data":  []any{map[string]any{"id": "c1", "state": "open"}},
			"query": map[string]any{"state": "open"},
		})
	})

	page, err := client.Conversations.FetchConversations(waitCtx(t), "ws-1", 50, 25, Filter{Tab: "mine"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, StateOpen, page.Data[0].State)

	q, err := ParseQuery(page.Query)
	require.NoError(t, err)
	assert.True(t, Matches(q, page.Data[0]))
}

func TestClientFetchOne(t *testing.T) {
	client, r := newTestAPI(t)
	r.Get("/api/workspaces/ws-1/conversations/{id}", func(w http.ResponseWriter, req *http.Request) {
		switch chi.URLParam(req, "id") {
		case "c1":
			writeOK(w, map[string]any{"data": map[string]any{"id": "c1", "state": "closed"}})
		case "forbidden":
			writeJSON(w, http.StatusForbidden, map[string]any{
				"ok":    false,
				"error": map[string]any{"code": "PERMISSION_DENIED", "message": "not on this team"},
			})
		case "soft-denied":
			writeOK(w, map[string]any{})
		default:
			http.NotFound(w, req)
		}
	})

	t.Run("found", func(t *testing.T) {
		c, err := client.Conversations.FetchOne(waitCtx(t), "c1", "ws-1")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, c.State)
	})

	t.Run("forbidden", func(t *testing.T) {
		_, err := client.Conversations.FetchOne(waitCtx(t), "forbidden", "ws-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnauthorized))

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.Equal(t, "not on this team", apiErr.Message)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := client.Conversations.FetchOne(waitCtx(t), "nope", "ws-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := client.Conversations.FetchOne(waitCtx(t), "soft-denied", "ws-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClientEnvelopeError(t *testing.T) {
	client, r := newTestAPI(t)
	r.Get("/api/me", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":    false,
			"error": map[string]any{"code": "UNAUTHORIZED", "message": "token expired"},
		})
	})

	_, err := client.Account.Me(waitCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "token expired")
}

func TestClientMeTeamsAndCount(t *testing.T) {
	client, r := newTestAPI(t)
	r.Get("/api/me", func(w http.ResponseWriter, req *http.Request) {
		writeOK(w, map[string]any{"data": map[string]any{
			"id": "agent-1", "name": "Agent", "workspaceRoles": map[string]any{"ws-1": "admin"},
		}})
	})
	r.Get("/api/workspaces/ws-1/teams", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "true", req.URL.Query().Get("members"))
		writeOK(w, map[string]any{"data": []any{map[string]any{
			"id": "t1",
			"members": []any{map[string]any{
				"userId": "agent-1", "role": "agent", "permissions": []any{"canViewConversationContent"},
			}},
		}}})
	})
	r.Post("/api/workspaces/ws-1/conversations/count", func(w http.ResponseWriter, req *http.Request) {
		writeOK(w, map[string]any{"data": map[string]any{"total": 7}})
	})

	me, err := client.Account.Me(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", me.ID)
	assert.Equal(t, "admin", me.WorkspaceRoles["ws-1"])

	teams, err := client.Teams.FetchTeams(waitCtx(t), "ws-1")
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, []Permission{PermViewConversationContent}, teams[0].Members[0].Permissions)

	n, err := client.Conversations.Count(waitCtx(t), "ws-1", Filter{Tab: "all"})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRealtimeURLs(t *testing.T) {
	client := NewClient("tok", WithBaseURL("https://desk.example.com/"))
	assert.Equal(t, "https://desk.example.com", client.BaseURL())
	assert.Equal(t, "wss://desk.example.com/ws", client.Realtime.WSUrl())
	assert.Equal(t, "https://desk.example.com/sse?workspaceId=ws+1", client.Realtime.SSEUrl("ws 1"))
	assert.Equal(t, "https://desk.example.com/sse", client.Realtime.SSEUrl(""))

	plain := NewClient("tok", WithBaseURL("http://localhost:8080"))
	assert.Equal(t, "ws://localhost:8080/ws", plain.Realtime.WSUrl())
}
