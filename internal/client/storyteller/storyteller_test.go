package storyteller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/models"
)

// fakeServer wires token auth plus a positions endpoint for one book.
func fakeServer(t *testing.T, onPut func(position) int, pos *position) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/token":
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			if creds["username"] != "user" || creds["password"] != "pass" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
		case r.URL.Path == "/api/v2/books/uu-1/positions" && r.Method == http.MethodGet:
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if pos == nil {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			json.NewEncoder(w).Encode(pos)
		case r.URL.Path == "/api/v2/books/uu-1/positions" && r.Method == http.MethodPut:
			var p position
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			w.WriteHeader(onPut(p))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func mapping() *models.Mapping {
	return &models.Mapping{BookID: "b1", StorytellerUUID: "uu-1"}
}

func TestFetchState(t *testing.T) {
	srv := fakeServer(t, nil, &position{
		UUID:        "uu-1",
		Fragments:   []string{"#chapter-3"},
		Progression: 0.37,
		Timestamp:   1700000000,
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil, 800)
	st, err := c.FetchState(context.Background(), mapping(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NotNil(t, st.Position.Text)
	assert.Equal(t, 0.37, st.Position.Text.Percentage)
	assert.Equal(t, "#chapter-3", st.Position.Text.Locator.Fragment)
	assert.Equal(t, 1700000000.0, st.LastUpdated)
}

func TestFetchStateAbsent(t *testing.T) {
	srv := fakeServer(t, nil, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil, 800)
	st, err := c.FetchState(context.Background(), mapping(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, st, "204 means no position known")

	st, err = c.FetchState(context.Background(), &models.Mapping{BookID: "b2"}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, st, "mapping without a storyteller uuid is absent")
}

func TestUpdate(t *testing.T) {
	var got position
	srv := fakeServer(t, func(p position) int {
		got = p
		return http.StatusNoContent
	}, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil, 800)
	err := c.Update(context.Background(), mapping(), &client.UpdateRequest{
		Percentage: 0.5,
		Locator:    &models.Locator{Fragment: "part-two", Percentage: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, "uu-1", got.UUID)
	assert.Equal(t, 0.5, got.Progression)
	assert.Equal(t, []string{"part-two"}, got.Fragments)
}

func TestUpdateConflictIsSuccess(t *testing.T) {
	srv := fakeServer(t, func(position) int { return http.StatusConflict }, nil)
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil, 800)
	err := c.Update(context.Background(), mapping(), &client.UpdateRequest{Percentage: 0.5})
	assert.NoError(t, err, "409 means the position is already there")
}

func TestTokenRefreshOn401(t *testing.T) {
	var tokens int32
	var puts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/token":
			n := atomic.AddInt32(&tokens, 1)
			json.NewEncoder(w).Encode(map[string]string{"access_token": map[bool]string{true: "stale", false: "fresh"}[n == 1]})
		default:
			atomic.AddInt32(&puts, 1)
			if r.Header.Get("Authorization") == "Bearer stale" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil, 800)
	err := c.Update(context.Background(), mapping(), &client.UpdateRequest{Percentage: 0.2})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokens), "expired token forces one re-authentication")
	assert.Equal(t, int32(2), atomic.LoadInt32(&puts))
}

func TestIsConfigured(t *testing.T) {
	assert.False(t, NewClient("", "", "", nil, 800).IsConfigured())
	assert.False(t, NewClient("http://st", "user", "", nil, 800).IsConfigured())
	assert.True(t, NewClient("http://st", "user", "pass", nil, 800).IsConfigured())
}
