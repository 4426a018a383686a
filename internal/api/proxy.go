package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"golang.org/x/time/rate"
)

// NewEngineProxy forwards requests to the engine at target, streaming
// responses as they arrive. The caller's Authorization header is not passed
// on. When limit is positive, requests beyond limit per second (with the
// given burst) are answered 429.
func NewEngineProxy(target string, limit rate.Limit, burst int) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid engine URL %q", target)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Header.Del("Authorization")
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("engine proxy error", "path", r.URL.Path, "error", err)
			httpError(w, http.StatusBadGateway, "engine_error", "engine unreachable: %v", err)
		},
	}

	var limiter *rate.Limiter
	if limit > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(limit, burst)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests to the engine")
			return
		}
		rp.ServeHTTP(w, r)
	}), nil
}
