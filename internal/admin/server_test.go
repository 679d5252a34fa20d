package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/apibara/dna/internal/alert"
	"github.com/apibara/dna/internal/cursor"
	"github.com/apibara/dna/internal/streampb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusProvider struct {
	resp *streampb.StatusResponse
	err  error
}

func (f *fakeStatusProvider) Status(ctx context.Context, req *streampb.StatusRequest) (*streampb.StatusResponse, error) {
	return f.resp, f.err
}

type fakeCheckpointProvider struct {
	cur   cursor.Cursor
	found bool
	err   error
}

func (f *fakeCheckpointProvider) Get(ctx context.Context, sinkID string) (cursor.Cursor, bool, error) {
	return f.cur, f.found, f.err
}

type fakeAlerter struct {
	sent []alert.Alert
	err  error
}

func (f *fakeAlerter) Send(ctx context.Context, a alert.Alert) error {
	f.sent = append(f.sent, a)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_StatusReportsChainExtentAndStreamCount(t *testing.T) {
	sp := &fakeStatusProvider{resp: &streampb.StatusResponse{
		Head:          cursor.New(10, []byte{1}),
		Finalized:     cursor.New(5, []byte{2}),
		ActiveStreams: 3,
	}}
	s := NewServer(sp, testLogger())

	req := httptest.NewRequest("GET", "/admin/v1/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, uint64(10), resp.HeadNumber)
	assert.Equal(t, uint64(5), resp.FinalizedNumber)
	assert.Equal(t, 3, resp.ActiveStreams)
}

func TestServer_StatusPropagatesProviderError(t *testing.T) {
	sp := &fakeStatusProvider{err: errors.New("boom")}
	s := NewServer(sp, testLogger())

	req := httptest.NewRequest("GET", "/admin/v1/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, 500, w.Code)
}

func TestServer_TestAlertUnavailableWithoutAlerter(t *testing.T) {
	s := NewServer(&fakeStatusProvider{}, testLogger())

	req := httptest.NewRequest("POST", "/admin/v1/alerts/test", strings.NewReader(`{"type":"REORG","title":"t"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, 503, w.Code)
}

func TestServer_TestAlertDispatchesThroughAlerter(t *testing.T) {
	fa := &fakeAlerter{}
	s := NewServer(&fakeStatusProvider{}, testLogger(), WithAlerter(fa))

	body := `{"type":"REORG","chain":"ethereum","network":"mainnet","title":"test alert","message":"hello"}`
	req := httptest.NewRequest("POST", "/admin/v1/alerts/test", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Len(t, fa.sent, 1)
	assert.Equal(t, alert.AlertTypeReorg, fa.sent[0].Type)
	assert.Equal(t, "test alert", fa.sent[0].Title)
}

func TestServer_GetCheckpointUnavailableWithoutStore(t *testing.T) {
	s := NewServer(&fakeStatusProvider{}, testLogger())

	req := httptest.NewRequest("GET", "/admin/v1/checkpoints/sink-1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, 503, w.Code)
}

func TestServer_GetCheckpointReturnsRecordedCursor(t *testing.T) {
	cp := &fakeCheckpointProvider{cur: cursor.New(42, []byte{0xab}), found: true}
	s := NewServer(&fakeStatusProvider{}, testLogger(), WithCheckpoints(cp))

	req := httptest.NewRequest("GET", "/admin/v1/checkpoints/sink-1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp checkpointResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "sink-1", resp.SinkID)
	assert.Equal(t, uint64(42), resp.Number)
	assert.Equal(t, "ab", resp.Hash)
	assert.True(t, resp.Found)
}

func TestServer_GetCheckpointNotFound(t *testing.T) {
	cp := &fakeCheckpointProvider{found: false}
	s := NewServer(&fakeStatusProvider{}, testLogger(), WithCheckpoints(cp))

	req := httptest.NewRequest("GET", "/admin/v1/checkpoints/unknown-sink", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var resp checkpointResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Found)
}

func TestServer_TestAlertRequiresTypeAndTitle(t *testing.T) {
	fa := &fakeAlerter{}
	s := NewServer(&fakeStatusProvider{}, testLogger(), WithAlerter(fa))

	req := httptest.NewRequest("POST", "/admin/v1/alerts/test", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
	assert.Empty(t, fa.sent)
}
