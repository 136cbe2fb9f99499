package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatline/internal/models"

	"github.com/stretchr/testify/require"
)

type staticToken struct {
	token string
	err   error
}

func (s staticToken) Token() (string, error) { return s.token, s.err }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", staticToken{token: "secret"}, time.Second)
}

func TestClient_RoomHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/rooms/r1/messages", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[
			{"_id":"m1","sender":{"_id":"u1","username":"alice"},"room":"r1","text":"a","createdAt":"2024-03-01T10:00:00Z"},
			{"_id":"m2","sender":"u2","room":"r1","text":"b","createdAt":"2024-03-01T10:01:00Z"}
		]`))
	})

	msgs, err := c.History(context.Background(), models.InRoom(models.RoomRef{ID: "r1"}))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "alice", msgs[0].Sender.UserName)
	require.Equal(t, "u2", msgs[1].SenderID())
}

func TestClient_PrivateHistoryPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages/u2", r.URL.Path)
		_, _ = w.Write([]byte(`[]`))
	})

	msgs, err := c.History(context.Background(), models.PrivateWith(models.UserRef{ID: "u2"}))
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestClient_SendRoom(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/rooms/r1/messages", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req sendRoomRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hi", req.Text)
		require.Equal(t, "u1", req.UserID)

		_, _ = w.Write([]byte(`{"_id":"m9","sender":{"_id":"u1"},"room":{"_id":"r1"},"text":"hi","createdAt":"2024-03-01T10:00:00Z"}`))
	})

	msg, err := c.Send(context.Background(), models.InRoom(models.RoomRef{ID: "r1"}), models.UserRef{ID: "u1"}, "hi")
	require.NoError(t, err)
	require.Equal(t, "m9", msg.ID)
	require.Equal(t, "r1", msg.RoomID)
}

func TestClient_SendPrivate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/private", r.URL.Path)
		var req sendPrivateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "u2", req.Receiver)
		_, _ = w.Write([]byte(`{"_id":"m3","sender":"u1","receiver":"u2","text":"hey"}`))
	})

	msg, err := c.Send(context.Background(), models.PrivateWith(models.UserRef{ID: "u2"}), models.UserRef{ID: "u1"}, "hey")
	require.NoError(t, err)
	require.Equal(t, "u2", msg.ReceiverID())
}

func TestClient_Errors(t *testing.T) {
	t.Run("Unauthorized", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := c.Rooms(context.Background())
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("ServerError", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "db down", http.StatusInternalServerError)
		})
		_, err := c.Friends(context.Background())
		var se *StatusError
		require.True(t, errors.As(err, &se))
		require.Equal(t, http.StatusInternalServerError, se.Code)
		require.Equal(t, "db down", se.Body)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()

		c := New(srv.URL, staticToken{err: ErrUnauthorized}, time.Second)
		_, err := c.History(context.Background(), models.InRoom(models.RoomRef{ID: "r1"}))
		require.ErrorIs(t, err, ErrUnauthorized)
		require.False(t, called, "no request must be made without a credential")
	})

	t.Run("BadJSON", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{not json`))
		})
		_, err := c.Rooms(context.Background())
		require.Error(t, err)
	})
}
