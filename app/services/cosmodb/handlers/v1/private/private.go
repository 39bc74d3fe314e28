// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	v1 "github.com/cosmoweb3/cosmodb/business/web/v1"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/replica"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/vault"
	"github.com/cosmoweb3/cosmodb/foundation/web"
	"go.uber.org/zap"
)

// defaultSnapshotsLimit is how many snapshots are listed when no limit is
// provided.
const defaultSnapshotsLimit = 20

// Handlers manages the set of replica endpoints.
type Handlers struct {
	Log        *zap.SugaredLogger
	DB         *cosmodb.DB
	Vault      *vault.Vault
	Self       string
	KnownHosts []string
}

// Status answers liveness probes from other nodes.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	n, err := h.Vault.Count(ctx)
	if err != nil {
		return err
	}

	status := replica.Status{
		Status:    "ok",
		Snapshots: n,
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// Snapshot takes a snapshot pushed by another node and keeps it in the vault.
func (h Handlers) Snapshot(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var snap replica.Snapshot
	if err := web.Decode(r, &snap); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	info, err := h.Vault.Store(ctx, snap)
	if err != nil {
		if errors.Is(err, replica.ErrBadDigest) {
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
		return err
	}

	h.Log.Infow("snapshot", "traceid", v.TraceID, "id", info.ID, "digest", info.Digest, "bytes", info.Bytes)

	resp := struct {
		Status string     `json:"status"`
		Info   vault.Info `json:"info"`
	}{
		Status: "stored",
		Info:   info,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Snapshots lists the snapshots held in the vault.
func (h Handlers) Snapshots(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	limit := defaultSnapshotsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return v1.NewRequestError(fmt.Errorf("invalid limit %q", s), http.StatusBadRequest)
		}
		limit = n
	}

	infos, err := h.Vault.List(ctx, limit)
	if err != nil {
		return err
	}

	if infos == nil {
		infos = []vault.Info{}
	}

	return web.Respond(ctx, w, infos, http.StatusOK)
}

// Replicas lists the hosts this node knows about so other nodes can
// discover endpoints.
func (h Handlers) Replicas(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	seen := make(map[string]bool)
	hosts := []string{}

	add := func(host string) {
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		hosts = append(hosts, host)
	}

	add(h.Self)
	for _, host := range h.KnownHosts {
		add(host)
	}
	for _, ep := range h.DB.Replicas() {
		add(ep.Host)
	}

	return web.Respond(ctx, w, replica.Hosts{Hosts: hosts}, http.StatusOK)
}
