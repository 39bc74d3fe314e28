// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/cosmoweb3/cosmodb/app/services/cosmodb/handlers/v1/private"
	"github.com/cosmoweb3/cosmodb/app/services/cosmodb/handlers/v1/public"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/vault"
	"github.com/cosmoweb3/cosmodb/foundation/events"
	"github.com/cosmoweb3/cosmodb/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log        *zap.SugaredLogger
	DB         *cosmodb.DB
	Vault      *vault.Vault
	Evts       *events.Events
	Self       string
	KnownHosts []string
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:  cfg.Log,
		DB:   cfg.DB,
		WS:   websocket.Upgrader{},
		Evts: cfg.Evts,
	}

	app.Handle(http.MethodGet, "", "/", pbl.Health)
	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/stats", pbl.Stats)
	app.Handle(http.MethodGet, version, "/errors", pbl.Errors)
	app.Handle(http.MethodPost, version, "/errors", pbl.RecordError)
	app.Handle(http.MethodPost, version, "/collections/:collection/docs", pbl.Insert)
	app.Handle(http.MethodPost, version, "/collections/:collection/find", pbl.Find)
	app.Handle(http.MethodPost, version, "/db", pbl.Legacy)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:        cfg.Log,
		DB:         cfg.DB,
		Vault:      cfg.Vault,
		Self:       cfg.Self,
		KnownHosts: cfg.KnownHosts,
	}

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodGet, version, "/node/replicas", prv.Replicas)
	app.Handle(http.MethodGet, version, "/node/snapshots", prv.Snapshots)
	app.Handle(http.MethodPost, version, "/node/snapshot", prv.Snapshot)
}
