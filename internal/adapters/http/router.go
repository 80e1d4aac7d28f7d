package http

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/devicetrust/internal/application"
)

// Options tunes the HTTP adapter. The zero value trusts no proxy and
// reports ready unconditionally.
type Options struct {
	// TrustedProxies lists the peers whose X-Forwarded-For header is
	// believed. Requests from anywhere else are keyed by RemoteAddr.
	TrustedProxies []netip.Prefix
	Readiness      func(ctx context.Context) error
}

// Handler is the HTTP adapter over the authentication service.
type Handler struct {
	service *application.Service
	opts    Options
}

func NewHandler(service *application.Service, opts Options) *Handler {
	return &Handler{service: service, opts: opts}
}

// NewRouter registers the public auth routes, the session-bound routes and
// the admin surface behind the same bearer middleware.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/auth/v1", func(r chi.Router) {
		r.Post("/register", handler.register)
		r.Post("/login", handler.login)

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware)
			r.Get("/session", handler.currentSession)
			r.Post("/logout", handler.logout)
			r.Get("/sessions", handler.listSessions)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/devices/pending", handler.adminListPendingDevices)
				r.Put("/devices/{device_id}/state", handler.adminSetDeviceState)
				r.Get("/users/{user_id}/devices", handler.adminListUserDevices)
				r.Put("/users/{user_id}/status", handler.adminToggleAccount)
				r.Get("/users/{user_id}/login-history", handler.adminLoginHistory)
				r.Post("/lockouts/clear", handler.adminClearLockout)
			})
		})
	})

	return r
}
