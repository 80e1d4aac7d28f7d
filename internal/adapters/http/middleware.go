package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/devicetrust/internal/application"
	"github.com/viralforge/devicetrust/internal/domain"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyTokenRaw  ctxKey = "token_raw"
	ctxKeySession   ctxKey = "session_info"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, string(domain.KindInternal), "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

// loggingMiddleware never logs the Authorization header or request bodies.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}

		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			httpLogger().ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			httpLogger().WarnContext(r.Context(), "http request completed", fields...)
		default:
			httpLogger().InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(ctxKeyRequestID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// mapDomainError is the single kind to status table. SESSION_NOT_FOUND is
// reported as SESSION_EXPIRED so callers cannot tell which tokens existed.
func mapDomainError(err error) (int, string, string) {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest, string(domain.KindInvalidInput), validationMessage(err)
	case domain.KindRateLimited:
		return http.StatusTooManyRequests, string(domain.KindRateLimited), "too many requests"
	case domain.KindIPBlocked:
		return http.StatusTooManyRequests, string(domain.KindIPBlocked), "temporarily blocked"
	case domain.KindInvalidCredentials:
		return http.StatusUnauthorized, string(domain.KindInvalidCredentials), "invalid username or password"
	case domain.KindAccountDisabled:
		return http.StatusForbidden, string(domain.KindAccountDisabled), "account disabled"
	case domain.KindDevicePending:
		return http.StatusForbidden, string(domain.KindDevicePending), "device awaiting approval"
	case domain.KindDeviceBlocked:
		return http.StatusForbidden, string(domain.KindDeviceBlocked), "device blocked"
	case domain.KindSessionExpired, domain.KindSessionNotFound:
		return http.StatusUnauthorized, string(domain.KindSessionExpired), "session expired"
	case domain.KindTokenInvalid:
		return http.StatusUnauthorized, string(domain.KindTokenInvalid), "invalid token"
	case domain.KindSessionRevoked:
		return http.StatusUnauthorized, string(domain.KindSessionRevoked), "session revoked"
	case domain.KindUsernameTaken:
		return http.StatusConflict, string(domain.KindUsernameTaken), "username already registered"
	case domain.KindInvalidTransition:
		return http.StatusConflict, string(domain.KindInvalidTransition), "state change not allowed"
	case domain.KindForbidden:
		return http.StatusForbidden, string(domain.KindForbidden), "forbidden"
	case domain.KindNotFound:
		return http.StatusNotFound, string(domain.KindNotFound), "resource not found"
	default:
		return http.StatusInternalServerError, string(domain.KindInternal), "internal server error"
	}
}

// validationMessage keeps the field detail that domain validation attaches
// after the sentinel text.
func validationMessage(err error) string {
	msg := err.Error()
	prefix := domain.ErrInvalidInput.Error() + ": "
	if strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix)
	}
	return "invalid input"
}

func setRetryAfter(w http.ResponseWriter, err error) {
	after, ok := domain.RetryAfter(err)
	if !ok {
		return
	}
	seconds := int((after + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func contextWithSession(ctx context.Context, token string, info application.SessionInfo) context.Context {
	ctx = context.WithValue(ctx, ctxKeyTokenRaw, token)
	ctx = context.WithValue(ctx, ctxKeySession, info)
	return ctx
}

func tokenFromContext(r *http.Request) (string, bool) {
	v := r.Context().Value(ctxKeyTokenRaw)
	token, ok := v.(string)
	return token, ok
}

func sessionFromContext(r *http.Request) (application.SessionInfo, bool) {
	v := r.Context().Value(ctxKeySession)
	info, ok := v.(application.SessionInfo)
	return info, ok
}
