package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"smallbiznis-jobqueue/services/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h HealthService, path string) (*httptest.ResponseRecorder, Health) {
	t.Helper()

	r := gin.New()
	RegisterRoutes(r, h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestLiveness(t *testing.T) {
	w, body := serve(t, ProvideHealth(HealthParams{}), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, StatusHealthy, body.Status)
}

func TestReadinessWithDatabase(t *testing.T) {
	db := testutil.NewTestDB(t)

	w, body := serve(t, ProvideHealth(HealthParams{DB: db}), "/readyz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body.Deps, 1)
	require.Equal(t, StatusHealthy, body.Deps[0].Status)
}

func TestReadinessDatabaseDown(t *testing.T) {
	db := testutil.NewTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w, body := serve(t, ProvideHealth(HealthParams{DB: db}), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, StatusUnhealthy, body.Status)
}
