package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSubscriptionRouter(t *testing.T) *gin.Engine {
	r := gin.New()
	handler := NewHandler(Deps{Store: newTestStore(t)})
	r.GET("/subscriptions", handler.GetSubscription)
	r.PUT("/subscriptions", handler.PutSubscription)
	r.DELETE("/subscriptions", handler.DeleteSubscription)
	return r
}

func TestPutSubscription_InvalidRequest(t *testing.T) {
	router := setupSubscriptionRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("PUT", "/subscriptions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestSubscriptionLifecycle(t *testing.T) {
	router := setupSubscriptionRouter(t)
	endpoint := "https://push.example/sub%2B1"

	do := func(method, url, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, err := http.NewRequest(method, url, strings.NewReader(body))
		require.NoError(t, err)
		router.ServeHTTP(w, req)
		return w
	}

	w := do("GET", "/subscriptions?endpoint="+endpoint, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do("PUT", "/subscriptions", `{"endpoint":"`+endpoint+`","p256dh":"k","auth":"a","label":"phone"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do("GET", "/subscriptions?endpoint="+endpoint, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"label":"phone"`)

	w = do("DELETE", "/subscriptions", `{"endpoint":"`+endpoint+`"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do("GET", "/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
