package kosync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func putProgress(t *testing.T, srv *httptest.Server, p progressPayload) *http.Response {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/syncs/progress", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func getProgress(t *testing.T, srv *httptest.Server, doc string) progressPayload {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + "/syncs/progress/" + doc)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p progressPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestServerRoundTrip(t *testing.T) {
	st := openTestStore(t)
	var notified []string
	srv := httptest.NewServer(NewServer(st, false, func(doc string) { notified = append(notified, doc) }).Routes())
	defer srv.Close()

	resp := putProgress(t, srv, progressPayload{
		Document:   "abc123",
		Progress:   "/body/DocFragment[3]/body/p[7]/text().0",
		Percentage: 0.42,
		Device:     "kindle",
		DeviceID:   "dev-1",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := getProgress(t, srv, "abc123")
	assert.Equal(t, 0.42, got.Percentage)
	assert.Equal(t, "/body/DocFragment[3]/body/p[7]/text().0", got.Progress)
	assert.Equal(t, "kindle", got.Device)
	assert.NotZero(t, got.Timestamp)

	assert.Equal(t, []string{"abc123"}, notified, "reader uploads trigger the sync layer")
}

func TestServerFurthestWins(t *testing.T) {
	st := openTestStore(t)
	srv := httptest.NewServer(NewServer(st, true, nil).Routes())
	defer srv.Close()

	putProgress(t, srv, progressPayload{Document: "d", Percentage: 0.8, Device: "a", DeviceID: "dev-a"}).Body.Close()

	// A second device further behind does not pull the position back.
	putProgress(t, srv, progressPayload{Document: "d", Percentage: 0.3, Device: "b", DeviceID: "dev-b"}).Body.Close()
	assert.Equal(t, 0.8, getProgress(t, srv, "d").Percentage)

	// The same device may regress its own position.
	putProgress(t, srv, progressPayload{Document: "d", Percentage: 0.5, Device: "a", DeviceID: "dev-a"}).Body.Close()
	assert.Equal(t, 0.5, getProgress(t, srv, "d").Percentage)

	// The bridge device always lands.
	putProgress(t, srv, progressPayload{Document: "d", Percentage: 0.1, Device: BridgeDevice, DeviceID: BridgeDevice}).Body.Close()
	assert.Equal(t, 0.1, getProgress(t, srv, "d").Percentage)
}

func TestServerBridgeWriteDoesNotNotify(t *testing.T) {
	st := openTestStore(t)
	var notified int
	srv := httptest.NewServer(NewServer(st, false, func(string) { notified++ }).Routes())
	defer srv.Close()

	putProgress(t, srv, progressPayload{Document: "d", Percentage: 0.2, Device: BridgeDevice, DeviceID: BridgeDevice}).Body.Close()
	assert.Zero(t, notified, "our own writes must not re-trigger sync")
}

func TestServerGetUnknownDocument(t *testing.T) {
	st := openTestStore(t)
	srv := httptest.NewServer(NewServer(st, false, nil).Routes())
	defer srv.Close()

	got := getProgress(t, srv, "never-seen")
	assert.Equal(t, "never-seen", got.Document)
	assert.Zero(t, got.Percentage)
}

func TestServerUserEndpoints(t *testing.T) {
	st := openTestStore(t)
	srv := httptest.NewServer(NewServer(st, false, nil).Routes())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/users/create", "application/json",
		bytes.NewReader([]byte(`{"username":"reader","password":"x"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/users/auth", nil)
	req.Header.Set("x-auth-user", "reader")
	req.Header.Set("x-auth-key", "hash")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/users/auth")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "auth headers are required")

	resp, err = srv.Client().Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdapterFetchAndUpdate(t *testing.T) {
	st := openTestStore(t)
	c := NewClient(st, nil, true, 800)
	m := &models.Mapping{BookID: "b1", KoSyncDocID: "doc-hash"}

	got, err := c.FetchState(context.Background(), m, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got, "no document row means absent")

	err = c.Update(context.Background(), m, &client.UpdateRequest{
		Percentage: 0.6,
		Locator:    &models.Locator{XPath: "/body/DocFragment[2]/body/p[1]/text().0", Percentage: 0.6},
	})
	require.NoError(t, err)

	got, err = c.FetchState(context.Background(), m, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Position.Text)
	assert.Equal(t, 0.6, got.Position.Text.Percentage)
	assert.Equal(t, BridgeDevice, got.DeviceID, "engine writes carry the bridge identity")
	assert.Equal(t, "/body/DocFragment[2]/body/p[1]/text().0", got.Position.Text.Locator.XPath)
}

func TestAdapterMissingDocID(t *testing.T) {
	st := openTestStore(t)
	c := NewClient(st, nil, true, 800)
	m := &models.Mapping{BookID: "b1"}

	got, err := c.FetchState(context.Background(), m, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = c.Update(context.Background(), m, &client.UpdateRequest{Percentage: 0.5})
	require.Error(t, err)
	assert.Equal(t, client.KindNotConfigured, client.KindOf(err))
}

func TestAdapterClearDocument(t *testing.T) {
	st := openTestStore(t)
	c := NewClient(st, nil, true, 800)
	m := &models.Mapping{BookID: "b1", KoSyncDocID: "doc-hash"}

	require.NoError(t, c.Update(context.Background(), m, &client.UpdateRequest{Percentage: 0.5}))
	require.NoError(t, c.ClearDocument("doc-hash"))

	got, err := c.FetchState(context.Background(), m, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got, "cleared document reads as absent")
}
