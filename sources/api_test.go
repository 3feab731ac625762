package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pevans/wpharvest/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSites = []config.Site{
	{Name: "a.mk", ListingURL: "https://a.mk/wp-json/wp/v2/posts", CategoriesURL: "https://a.mk/wp-json/wp/v2/categories"},
	{Name: "b.mk", ListingURL: "https://b.mk/wp-json/wp/v2/posts", CategoriesURL: "https://b.mk/wp-json/wp/v2/categories"},
}

// Test helper: create a test router backed by a fresh state store
func setupTestStatusRouter(t *testing.T) (*gin.Engine, *StateStore) {
	store := createTestStateStore(t)
	server := NewStatusAPIServer(store, testSites)
	return server.SetupRouter(), store
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	router, _ := setupTestStatusRouter(t)

	w := serve(router, http.MethodGet, "/api/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleListSites(t *testing.T) {
	router, store := setupTestStatusRouter(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRun(ctx, testRun("b.mk", "succeeded", time.Now())))
	require.NoError(t, store.RecordRun(ctx, testRun("retired.mk", "failed", time.Now())))

	w := serve(router, http.MethodGet, "/api/v1/sites")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListSitesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)
	require.Len(t, resp.Sites, 3)

	assert.Equal(t, "a.mk", resp.Sites[0].Site.Name)
	assert.True(t, resp.Sites[0].Configured)
	assert.Nil(t, resp.Sites[0].State, "never harvested")

	assert.Equal(t, "b.mk", resp.Sites[1].Site.Name)
	require.NotNil(t, resp.Sites[1].State)
	assert.Equal(t, "succeeded", resp.Sites[1].State.LastOutcome)

	assert.Equal(t, "retired.mk", resp.Sites[2].Site.Name)
	assert.False(t, resp.Sites[2].Configured)
	require.NotNil(t, resp.Sites[2].State)
	assert.Equal(t, 1, resp.Sites[2].State.FetchErrorCount)
}

func TestHandleGetSite(t *testing.T) {
	router, store := setupTestStatusRouter(t)
	require.NoError(t, store.RecordRun(context.Background(), testRun("a.mk", "partial", time.Now())))

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		hasState       bool
	}{
		{name: "configured and recorded", path: "/api/v1/sites/a.mk", expectedStatus: http.StatusOK, hasState: true},
		{name: "configured only", path: "/api/v1/sites/b.mk", expectedStatus: http.StatusOK},
		{name: "unknown site", path: "/api/v1/sites/nope.mk", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodGet, tt.path)
			require.Equal(t, tt.expectedStatus, w.Code)
			if w.Code != http.StatusOK {
				assert.Contains(t, w.Body.String(), "not_found")
				return
			}

			var status SiteStatus
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
			assert.True(t, status.Configured)
			assert.Equal(t, tt.hasState, status.State != nil)
		})
	}
}

func TestHandleListRuns(t *testing.T) {
	router, store := setupTestStatusRouter(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordRun(ctx, testRun("a.mk", "succeeded", base.Add(time.Duration(i)*time.Hour))))
	}

	w := serve(router, http.MethodGet, "/api/v1/sites/a.mk/runs?limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ListRunsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Runs, 2)
	assert.True(t, resp.Runs[0].FinishedAt.After(resp.Runs[1].FinishedAt))
}

func TestHandleListRuns_Errors(t *testing.T) {
	router, _ := setupTestStatusRouter(t)

	w := serve(router, http.MethodGet, "/api/v1/sites/a.mk/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(router, http.MethodGet, "/api/v1/sites/a.mk/runs?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(router, http.MethodGet, "/api/v1/sites/nope.mk/runs")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(router, http.MethodGet, "/api/v1/sites/b.mk/runs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[],"total":0}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	router, _ := setupTestStatusRouter(t)

	w := serve(router, http.MethodOptions, "/api/v1/sites")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
