// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	v1 "github.com/cosmoweb3/cosmodb/business/web/v1"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/cosmoweb3/cosmodb/foundation/events"
	"github.com/cosmoweb3/cosmodb/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// defaultErrorsLimit is how many error records are listed when no limit
// is provided.
const defaultErrorsLimit = 50

// Handlers manages the set of document store endpoints.
type Handlers struct {
	Log  *zap.SugaredLogger
	DB   *cosmodb.DB
	WS   websocket.Upgrader
	Evts *events.Events
}

// Health reports the service is up.
func (h Handlers) Health(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := struct {
		Status string `json:"status"`
	}{
		Status: "cosmodb active",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Insert stores the posted document in the collection.
func (h Handlers) Insert(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	collection := web.Param(r, "collection")

	var data map[string]any
	if err := web.Decode(r, &data); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	id, err := h.DB.Insert(ctx, collection, data)
	if err != nil {
		return err
	}

	h.Log.Infow("insert", "traceid", v.TraceID, "collection", collection, "id", id)

	return web.Respond(ctx, w, inserted{ID: id, Partition: cosmodb.PartitionOf(data)}, http.StatusCreated)
}

// Find returns the documents in the collection matching the posted query.
// An empty body matches every document.
func (h Handlers) Find(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	query, err := decodeQuery(r)
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	res, err := h.DB.Find(ctx, web.Param(r, "collection"), query)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, res, http.StatusOK)
}

// Stats returns the store statistics.
func (h Handlers) Stats(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.DB.Stats(), http.StatusOK)
}

// RecordError records an error reported by a caller.
func (h Handlers) RecordError(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var ne newError
	if err := web.Decode(r, &ne); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	h.DB.RecordError(ctx, ne.Operation, ne.Message)

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "recorded",
	}

	return web.Respond(ctx, w, resp, http.StatusCreated)
}

// Errors returns the most recent error records.
func (h Handlers) Errors(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	limit := defaultErrorsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return v1.NewRequestError(fmt.Errorf("invalid limit %q", s), http.StatusBadRequest)
		}
		limit = n
	}

	return web.Respond(ctx, w, h.DB.Errors(limit), http.StatusOK)
}

// Legacy dispatches the single action payload older clients send.
func (h Handlers) Legacy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req legacyRequest
	if err := web.Decode(r, &req); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	switch req.Action {
	case "insert":
		id, err := h.DB.Insert(ctx, req.Collection, req.Data)
		if err != nil {
			return err
		}

		resp := struct {
			Status string `json:"status"`
			ID     string `json:"id"`
		}{
			Status: "inserted",
			ID:     id,
		}
		return web.Respond(ctx, w, resp, http.StatusOK)

	case "find":
		res, err := h.DB.Find(ctx, req.Collection, req.Query)
		if err != nil {
			return err
		}
		return web.Respond(ctx, w, res, http.StatusOK)

	case "stats":
		st := h.DB.Stats()
		resp := legacyStats{
			Store: st,
			Healing: healing{
				ErrorsFixed:  st.ErrorsFixed,
				LastHeal:     st.LastHeal,
				CurrentIssue: st.CurrentIssue,
			},
			Updated: time.Now().UTC(),
		}
		return web.Respond(ctx, w, resp, http.StatusOK)

	default:
		op, msg := req.Operation, req.Message
		if op == "" {
			op = "log_error"
		}
		if msg == "" {
			if e, ok := req.Data["error"].(string); ok {
				msg = e
			}
		}
		if msg == "" {
			return v1.NewRequestError(errors.New("log_error requires a message"), http.StatusBadRequest)
		}

		h.DB.RecordError(ctx, op, msg)

		resp := struct {
			Status string `json:"status"`
		}{
			Status: "recorded",
		}
		return web.Respond(ctx, w, resp, http.StatusOK)
	}
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// =============================================================================

// decodeQuery reads an optional JSON object from the body.
func decodeQuery(r *http.Request) (map[string]any, error) {
	var query map[string]any
	if err := web.Decode(r, &query); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return query, nil
}
