package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/logging"
)

const readyTimeout = 5 * time.Second

// readinessCheck reports whether a dependency of the server is usable.
type readinessCheck func(ctx context.Context) error

func newServer(conf *config.Config, api http.Handler,
	promRegisterer prometheus.Registerer, promGatherer prometheus.Gatherer,
	readinessChecks ...readinessCheck) *http.Server {

	if conf.Server.CORS {
		api = newCORS(conf).Handler(api)
	}

	promHandler := promhttp.HandlerFor(promGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	requestDurationSecs := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "http_request_duration_seconds",
		Help: "Duration of HTTP requests in seconds",
	}, []string{"host", "method", "path", "status"})
	promRegisterer.MustRegister(requestDurationSecs)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		sr := &statusRecorder{ResponseWriter: w}
		defer func() {
			status := fmt.Sprintf("%d", sr.getStatusCode())
			requestDurationSecs.
				WithLabelValues(r.Host, r.Method, r.URL.Path, status).
				Observe(time.Since(t).Seconds())
		}()
		w = sr

		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/readyz":
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			for _, check := range readinessChecks {
				if err := check(ctx); err != nil {
					logging.FromRequest(r).WithError(err).Error("readiness check failed")
					http.Error(w, "Not ready", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
		case "/metrics":
			promHandler.ServeHTTP(w, r)
		default:
			api.ServeHTTP(w, r)
		}
	})

	return &http.Server{
		Addr:              conf.Server.Addr,
		Handler:           logging.Middleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newCORS allows the browser origins registered by the clients, which
// lets single-page apps call the token, userinfo, revocation and
// discovery endpoints.
func newCORS(conf *config.Config) *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			for _, c := range conf.Clients {
				if c.AllowsOrigin(origin) {
					return true
				}
			}
			return false
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", logging.HeaderRequestID},
		ExposedHeaders:   []string{logging.HeaderRequestID, "WWW-Authenticate"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}
