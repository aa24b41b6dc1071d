package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tpaulabs/signalscope/api/store"
)

// Subscriptions is the report subscription store, set from main when
// Postgres is configured.
var Subscriptions *store.SubscriptionStore

func subscriptionsEnabled(w http.ResponseWriter) bool {
	if Subscriptions == nil {
		http.Error(w, "subscriptions are not configured", http.StatusNotImplemented)
		return false
	}
	return true
}

// CreateSubscriptionRequest is the POST body for a new subscription.
type CreateSubscriptionRequest struct {
	Email        string          `json:"email"`
	SlackChannel string          `json:"slack_channel"`
	Filter       json.RawMessage `json:"filter"`
	Cadence      string          `json:"cadence"`
}

// CreateSubscription registers a report subscription.
func CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if !subscriptionsEnabled(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := Subscriptions.Create(ctx, store.Subscription{
		Email:        req.Email,
		SlackChannel: req.SlackChannel,
		Filter:       req.Filter,
		Cadence:      store.Cadence(req.Cadence),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Subscription create error: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sub)
}

// ListSubscriptions returns all subscriptions.
func ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !subscriptionsEnabled(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	subs, err := Subscriptions.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Subscription list error: %v", err)
		http.Error(w, internalError("subscription list failed", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(subs)
}

// DeleteSubscription removes a subscription by id.
func DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if !subscriptionsEnabled(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid subscription id", http.StatusBadRequest)
		return
	}

	if err := Subscriptions.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("Subscription delete error: %v", err)
		http.Error(w, internalError("subscription delete failed", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
