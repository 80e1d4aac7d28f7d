package http

import (
	"net/http"
)

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.opts.Readiness != nil {
		if err := h.opts.Readiness(r.Context()); err != nil {
			httpLogger().WarnContext(r.Context(), "readiness check failed",
				"operation", "readyz",
				"outcome", "failure",
				"error", err,
			)
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
			return
		}
	}
	writeMessage(w, http.StatusOK, "ready")
}

// authMiddleware validates the bearer session on every request; the
// validated session and the raw token travel in the request context.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeMissingBearerError(r.Context(), w, "authenticate")
			return
		}

		info, err := h.service.ValidateSession(r.Context(), raw, h.readIP(r), r.UserAgent())
		if err != nil {
			writeMappedError(r.Context(), w, "authenticate", err)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), raw, info)))
	})
}
