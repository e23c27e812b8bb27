package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/antcode/antcode/pkg/security"
	"github.com/rs/zerolog"
)

// withLogging wraps h with a request-completion log line, mirroring the
// level/field shape the rest of this codebase logs with (method, path,
// status, duration) rather than stdlib's bare log.Printf.
func withLogging(logger zerolog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		logger.Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", sw.status).Dur("duration", time.Since(start)).Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requireWorkerAuth verifies the five HMAC headers spec §6.3 requires on
// every worker→master call, rejecting anything that doesn't pass
// security.Verifier.Verify before it ever reaches the handler.
func requireWorkerAuth(verifier *security.Verifier, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := decodeJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
			return
		}

		ts, err := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid X-Timestamp"})
			return
		}

		req := security.Request{
			NodeID:      r.Header.Get("X-Node-ID"),
			MachineCode: r.Header.Get("X-Machine-Code"),
			Timestamp:   ts,
			Nonce:       r.Header.Get("X-Nonce"),
			Signature:   r.Header.Get("X-Signature"),
			Body:        body,
		}

		if err := verifier.Verify(req); err != nil {
			status := http.StatusUnauthorized
			if err == security.AuthErrRateLimited {
				status = http.StatusTooManyRequests
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}

		ctx := context.WithValue(r.Context(), authBodyKey{}, body)
		h(w, r.WithContext(ctx))
	}
}

type authBodyKey struct{}

// authBody recovers the already-decoded, already-authenticated request
// body a worker handler runs behind requireWorkerAuth — it was consumed
// there, so handlers never read r.Body a second time.
func authBody(r *http.Request) map[string]any {
	body, _ := r.Context().Value(authBodyKey{}).(map[string]any)
	return body
}
