package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)

		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.Username)

		_ = json.NewEncoder(w).Encode(map[string]string{"token": "jwt-token"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)

	token, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "jwt-token", token)
	assert.Equal(t, "jwt-token", c.Token())
}

func TestClientJoinMeeting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/meetings/room-1/join", r.URL.Path)
		assert.Equal(t, "Bearer jwt-token", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(JoinGrant{
			MeetingID: "mtg-1",
			RoomID:    "room-1",
			Role:      "participant",
		})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)
	c.SetToken("jwt-token")

	grant, err := c.JoinMeeting(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "mtg-1", grant.MeetingID)
	assert.Equal(t, "participant", grant.Role)
}

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		terminal bool
	}{
		{"not found", http.StatusNotFound, true},
		{"forbidden", http.StatusForbidden, true},
		{"unauthorized", http.StatusUnauthorized, true},
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			t.Cleanup(srv.Close)

			c := NewClient(srv.URL)

			_, err := c.JoinMeeting(context.Background(), "room-1")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, tt.terminal, apiErr.Terminal())
		})
	}
}

func TestClientLeaveMeeting(t *testing.T) {
	var called bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, "/api/v1/meetings/mtg-1/leave", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL)

	require.NoError(t, c.LeaveMeeting(context.Background(), "mtg-1"))
	assert.True(t, called)
}
