package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fleetgate/gateway/internal/adapter/ws"
	"github.com/fleetgate/gateway/internal/middleware"
)

// RouterConfig bundles everything NewRouter needs to mount the gateway's
// REST and WebSocket surface.
type RouterConfig struct {
	CORSOrigin      string
	RateLimiter     *middleware.RateLimiter
	Idempotency     func(http.Handler) http.Handler // nil disables idempotency replay
	WebhookGitHub   func(http.Handler) http.Handler
	WebhookGitLab   func(http.Handler) http.Handler
	CAAM            *CAAMHandlers
	GitSync         *GitSyncHandlers
	DCG             *DCGHandlers
	WS              *ws.Server
}

// NewRouter builds the gateway's chi.Mux: ambient middleware first, then
// the REST surface for CAAM, git-sync and DCG, then the WebSocket hub.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigin))
	r.Use(Logger)
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Handler)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		if cfg.Idempotency != nil {
			api.Use(cfg.Idempotency)
		}

		api.Route("/caam", func(c chi.Router) {
			c.Post("/profiles", cfg.CAAM.CreateProfile)
			c.Post("/profiles/{id}/activate", cfg.CAAM.ActivateProfile)
			c.Post("/profiles/{id}/verify", cfg.CAAM.MarkVerified)
			c.Post("/profiles/{id}/cooldown", cfg.CAAM.SetCooldown)
			c.Post("/rotate", cfg.CAAM.Rotate)
			c.Post("/rate-limit", cfg.CAAM.HandleRateLimit)
			c.Get("/peek", cfg.CAAM.PeekNext)
			c.Get("/byoa-status", cfg.CAAM.ByoaStatus)
		})

		api.Route("/git-sync", func(g chi.Router) {
			g.Post("/ops", cfg.GitSync.Queue)
			g.Get("/ops/{id}", cfg.GitSync.Get)
			g.Post("/ops/{id}/cancel", cfg.GitSync.Cancel)
			g.Get("/ops/queued", cfg.GitSync.Queued)
			g.Get("/ops/running", cfg.GitSync.Running)
			g.Get("/ops/stats", cfg.GitSync.QueueStats)
			g.Get("/history", cfg.GitSync.History)
		})

		api.Route("/dcg", func(d chi.Router) {
			d.Get("/config", cfg.DCG.GetConfig)
			d.Put("/config", cfg.DCG.UpdateConfig)
			d.Get("/packs", cfg.DCG.ListPacks)
			d.Post("/packs/{name}/enable", cfg.DCG.EnablePack)
			d.Post("/packs/{name}/disable", cfg.DCG.DisablePack)
			d.Post("/events", cfg.DCG.Ingest)
			d.Post("/events/{id}/false-positive", cfg.DCG.MarkFalsePositive)
			d.Get("/stats", cfg.DCG.Stats)
			d.Post("/exceptions", cfg.DCG.CreateException)
			d.Post("/exceptions/{code}/approve", cfg.DCG.ApproveException)
			d.Post("/exceptions/{code}/redeem", cfg.DCG.RedeemException)
		})
	})

	r.Route("/webhooks", func(wh chi.Router) {
		if cfg.WebhookGitHub != nil {
			wh.With(cfg.WebhookGitHub).Post("/github", func(w http.ResponseWriter, r *http.Request) {
				writeData(w, r, http.StatusAccepted, map[string]bool{"received": true})
			})
		}
		if cfg.WebhookGitLab != nil {
			wh.With(cfg.WebhookGitLab).Post("/gitlab", func(w http.ResponseWriter, r *http.Request) {
				writeData(w, r, http.StatusAccepted, map[string]bool{"received": true})
			})
		}
	})

	r.Get("/ws", cfg.WS.HandleWS)

	return r
}
