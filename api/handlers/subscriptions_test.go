package handlers_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tpaulabs/signalscope/api/handlers"
	"github.com/tpaulabs/signalscope/api/store"
	apitesting "github.com/tpaulabs/signalscope/api/testing"
)

func setupSubscriptions(t *testing.T) *chi.Mux {
	pool := apitesting.SetupTestPostgres(t, testLog, testPgDB)

	old := handlers.Subscriptions
	handlers.Subscriptions = store.NewSubscriptionStore(pool)
	t.Cleanup(func() { handlers.Subscriptions = old })

	r := chi.NewRouter()
	r.Post("/api/subscriptions", handlers.CreateSubscription)
	r.Get("/api/subscriptions", handlers.ListSubscriptions)
	r.Delete("/api/subscriptions/{id}", handlers.DeleteSubscription)
	return r
}

func TestSubscriptionLifecycle(t *testing.T) {
	router := setupSubscriptions(t)

	body := `{"email":"ops@example.com","filter":{"start_date":"2024-01-01","end_date":"2024-01-02"},"cadence":"daily"}`
	req := httptest.NewRequest(http.MethodPost, "/api/subscriptions", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var created store.Subscription
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, store.CadenceDaily, created.Cadence)
	assert.False(t, created.CreatedAt.IsZero())

	req = httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var subs []store.Subscription
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, created.ID, subs[0].ID)
	assert.JSONEq(t, `{"start_date":"2024-01-01","end_date":"2024-01-02"}`, string(subs[0].Filter))

	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/subscriptions/%s", created.ID), nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &subs))
	assert.Empty(t, subs)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	router := setupSubscriptions(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad cadence", `{"email":"ops@example.com","cadence":"hourly"}`},
		{"no destination", `{"cadence":"daily"}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/subscriptions", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestDeleteSubscriptionNotFound(t *testing.T) {
	router := setupSubscriptions(t)

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/subscriptions/%s", uuid.New()), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/subscriptions/not-a-uuid", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubscriptionsDisabled(t *testing.T) {
	old := handlers.Subscriptions
	handlers.Subscriptions = nil
	t.Cleanup(func() { handlers.Subscriptions = old })

	rr := doGet(t, handlers.ListSubscriptions, "/api/subscriptions")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}
