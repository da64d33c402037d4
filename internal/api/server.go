// Package api is the HTTP surface of the gateway: device listing and
// control, WebRTC signaling, the WebSocket viewer, the event stream and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/mirrornode/internal/api/models"
	"github.com/smazurov/mirrornode/internal/events"
	"github.com/smazurov/mirrornode/internal/gateway"
	"github.com/smazurov/mirrornode/internal/logging"
	"github.com/smazurov/mirrornode/internal/version"
	"github.com/smazurov/mirrornode/internal/viewer"
)

const authRealm = `Basic realm="mirrornode"`

// Gateway is the part of the gateway the API drives.
type Gateway interface {
	Devices() []gateway.Device
	Device(id string) (gateway.Device, error)
	Key(ctx context.Context, deviceID string, keycode int) error
	Wake(ctx context.Context, deviceID string) error
}

// Options configure the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Gateway           Gateway
	EventBus          *events.Bus
	WebRTC            *viewer.WebRTCManager
	WebSocket         *viewer.WebSocketHandler
	PrometheusHandler http.Handler // Optional Prometheus metrics handler
}

// Server is the Huma v2 API server.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	gateway    Gateway
	eventBus   *events.Bus
	options    *Options
	logger     *slog.Logger
}

// basicAuthMiddleware enforces basic auth on operations that declare a
// security requirement. Browsers cannot set headers on EventSource, so the
// base64 credentials may also come from the auth query parameter.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		if status, msg, err := checkBasicAuth(ctx.Header("Authorization"), ctx.Query("auth"), username, password); status != 0 {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			if err != nil {
				huma.WriteErr(s.api, ctx, status, msg, err)
			} else {
				huma.WriteErr(s.api, ctx, status, msg)
			}
			return
		}
		next(ctx)
	}
}

// checkBasicAuth returns a zero status when the credentials match.
func checkBasicAuth(header, query, username, password string) (int, string, error) {
	var encoded string
	switch {
	case header != "":
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return http.StatusUnauthorized, "Invalid authentication type", nil
		}
		encoded = header[len(prefix):]
	case query != "":
		encoded = query
	default:
		return http.StatusUnauthorized, "Authentication required", nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return http.StatusUnauthorized, "Invalid credentials format", err
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return http.StatusUnauthorized, "Invalid credentials format", nil
	}
	if user != username || pass != password {
		return http.StatusUnauthorized, "Invalid credentials", nil
	}
	return 0, "", nil
}

// requireAuth wraps plain handlers that live outside Huma.
func requireAuth(username, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, msg, _ := checkBasicAuth(r.Header.Get("Authorization"), r.URL.Query().Get("auth"), username, password); status != 0 {
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, msg, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewServer creates a new API server with Huma v2 using Go 1.22+ native routing
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("mirrornode API", version.Get().Version)
	config.Info.Description = "Screen mirroring gateway for attached Android devices"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		gateway:  opts.Gateway,
		eventBus: opts.EventBus,
		options:  opts,
		logger:   logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)

	authEnabled := opts.AuthUsername != "" && opts.AuthPassword != ""
	if authEnabled {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// no auth, scraped by Prometheus
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	if opts.WebSocket != nil {
		var ws http.Handler = opts.WebSocket
		if authEnabled {
			ws = requireAuth(opts.AuthUsername, opts.AuthPassword, ws)
		}
		viewer.RegisterWebSocket(mux, ws)
	}

	server.registerRoutes()
	return server
}

// GetMux returns the underlying HTTP ServeMux for additional setup
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting mirrornode API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the listener and every open connection, including streams.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
				Devices: len(s.gateway.Devices()),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerDeviceRoutes()
	s.registerSSERoutes()
	s.registerLogRoutes()

	if s.options.WebRTC != nil {
		viewer.RegisterWebRTCAPI(s.api, s.options.WebRTC, withAuth())
	}
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
