package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"bookmarket/pkg/database"
	"bookmarket/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	records = store.NewGormStore(db)
	logger = slog.Default()
	return setupRouter()
}

func TestHealthCheck(t *testing.T) {
	setupTestStore(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/manage/health", nil)

	healthCheck(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "UP", response["status"])
}

func TestCreateThenRead(t *testing.T) {
	router := setupTestStore(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/db/rentBook.json", bytes.NewBufferString(`{"bookName":"Dune","quantity":1}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created["name"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/db/rentBook/"+created["name"]+".json", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"bookName":"Dune","quantity":1}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/db/rentBook.json", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created["name"])
}

func TestConditionalPutMismatch(t *testing.T) {
	router := setupTestStore(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("PUT", "/db/books/dune.json", bytes.NewBufferString(`{"quantity":1}`)))
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest("PUT", "/db/books/dune.json", bytes.NewBufferString(`{"quantity":2}`))
	req.Header.Set("if-match", "stale")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.NotEmpty(t, w.Header().Get("ETag"))
	assert.JSONEq(t, `{"quantity":1}`, w.Body.String())
}

func TestMissingRecordIsNull(t *testing.T) {
	router := setupTestStore(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/db/books/nothing.json", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())
}
