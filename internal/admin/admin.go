// Package admin implements the operator-facing HTTP surface: a public
// health check plus JWT-protected stats and Prometheus metrics endpoints.
// It deliberately never touches the client or federation wire protocols —
// it is a read-only window onto the gateway and gossip state.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hamza-Labs-Core/zajel/internal/auth"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/gossip"
	"github.com/Hamza-Labs-Core/zajel/internal/gateway"
)

// Server is the admin HTTP server. It wraps a chi router with /health
// (public), /stats and /metrics (JWT-protected).
type Server struct {
	Router *chi.Mux

	gw       *gateway.Server
	gsp      *gossip.Gossip
	authSvc  *auth.Service
	uiOrigin string
	logger   *slog.Logger
	started  time.Time

	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	peerGauge     prometheus.Gauge
	channelGauge  prometheus.Gauge
	relayGauge    prometheus.Gauge
	memberGauge   prometheus.Gauge
}

// NewServer builds the admin router. gsp may be nil if federation is not
// yet wired (e.g. single-node test deployments); its membership gauge and
// stats field are simply omitted in that case.
func NewServer(gw *gateway.Server, gsp *gossip.Gossip, authSvc *auth.Service, uiOrigin string, logger *slog.Logger) *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		gw:       gw,
		gsp:      gsp,
		authSvc:  authSvc,
		uiOrigin: uiOrigin,
		logger:   logger,
		started:  time.Now(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zajel_admin_requests_total",
				Help: "Total number of admin HTTP requests.",
			},
			[]string{"route", "status"},
		),
		peerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_connected_peers",
			Help: "Number of currently connected client peers.",
		}),
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_active_channels",
			Help: "Number of channels with a registered owner.",
		}),
		relayGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_known_relays",
			Help: "Number of known relay-capable peers.",
		}),
		memberGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_federation_members",
			Help: "Number of nodes in this server's gossip membership view.",
		}),
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(s.requestsTotal, s.peerGauge, s.channelGauge, s.relayGauge, s.memberGauge)

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerMiddleware() {
	s.Router.Use(chimw.RequestID)
	s.Router.Use(chimw.RealIP)
	s.Router.Use(s.slogAndMetricsMiddleware())
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(s.corsMiddleware())
}

func (s *Server) registerRoutes() {
	s.Router.Get("/health", s.handleHealth)

	s.Router.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin(s.authSvc))
		r.Get("/stats", s.handleStats)
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	ConnectedPeers   int    `json:"connectedPeers"`
	ActiveChannels   int    `json:"activeChannels"`
	KnownRelays      int    `json:"knownRelays"`
	FederationMember int    `json:"federationMembers,omitempty"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	Self             string `json:"self,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	gwStats := s.gw.Stats()
	s.peerGauge.Set(float64(gwStats.ConnectedPeers))
	s.channelGauge.Set(float64(gwStats.ActiveChannels))
	s.relayGauge.Set(float64(gwStats.KnownRelays))

	resp := statsResponse{
		ConnectedPeers: gwStats.ConnectedPeers,
		ActiveChannels: gwStats.ActiveChannels,
		KnownRelays:    gwStats.KnownRelays,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	}

	if s.gsp != nil {
		members := s.gsp.Snapshot()
		resp.FederationMember = len(members)
		resp.Self = s.gsp.Self().ServerID
		s.memberGauge.Set(float64(len(members)))
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// slogAndMetricsMiddleware logs every admin request and counts it by path
// and status, so e.g. a spike in 401s on /stats from a misconfigured
// operator token shows up in both the logs and /metrics.
func (s *Server) slogAndMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			s.requestsTotal.WithLabelValues(r.URL.Path, http.StatusText(ww.Status())).Inc()
			s.logger.LogAttrs(r.Context(), slog.LevelInfo, "admin request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}

// corsMiddleware emits CORS headers only when uiOrigin is configured, and
// only for that exact origin: never a wildcard, since credentials are
// always allowed for a configured origin.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || s.uiOrigin == "" || origin != s.uiOrigin {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
