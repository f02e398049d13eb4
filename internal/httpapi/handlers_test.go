package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
	"github.com/DoyleJ11/tactics-room-backend/internal/memstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/tactics"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memstore.NewHub(context.Background(), zap.NewNop())
	t.Cleanup(store.Close)
	coord := tactics.NewCoordinator(store, zap.NewNop())
	return SetupRoutes(coord, zap.NewNop(), nil)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(newTestRouter(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetRoom(t *testing.T) {
	h := newTestRouter(t)

	rec := do(h, http.MethodPost, "/rooms", `{"identity":"A","displayName":"Alice"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var created engine.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created.Code, 6)
	assert.Equal(t, "A", created.LeaderID)
	assert.Equal(t, engine.PhaseLobby, created.Phase)

	rec = do(h, http.MethodGet, "/rooms/"+created.Code, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got engine.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.Code, got.Code)
	assert.Equal(t, []engine.Member{{Identity: "A", DisplayName: "Alice"}}, got.Members)

	// the wire shape keeps nullable fields explicit
	assert.Contains(t, rec.Body.String(), `"deadline":null`)
	assert.Contains(t, rec.Body.String(), `"claims":{}`)
}

func TestCreateRoom_BadRequests(t *testing.T) {
	h := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing identity", `{"displayName":"Nobody"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/rooms", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetRoom_NotFound(t *testing.T) {
	rec := do(newTestRouter(t), http.MethodGet, "/rooms/123456", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not_found"}`, rec.Body.String())
}

func TestCreateRoom_CodeSpaceExhausted(t *testing.T) {
	store := memstore.NewHub(context.Background(), zap.NewNop())
	t.Cleanup(store.Close)
	taken := func() (string, error) { return "111111", nil }
	coord := tactics.NewCoordinator(store, zap.NewNop(), tactics.WithCodeGenerator(taken))
	h := SetupRoutes(coord, zap.NewNop(), nil)

	rec := do(h, http.MethodPost, "/rooms", `{"identity":"A"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(h, http.MethodPost, "/rooms", `{"identity":"B"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"resource_exhausted"}`, rec.Body.String())
}
