// Package api serves the aggregated aircraft view over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/pkg/adsb"
	"github.com/fregster/hangar-assistant/pkg/aggregator"
	"github.com/fregster/hangar-assistant/pkg/coordinates"
	"github.com/fregster/hangar-assistant/pkg/tracking"
)

// maxPredictSeconds bounds the ?predict= extrapolation.
const maxPredictSeconds = 60

// Aggregator is the subset of *aggregator.Manager the API needs.
type Aggregator interface {
	QueryNear(ctx context.Context, lat, lon, radiusNM float64) []adsb.Aircraft
	QueryByUniqueID(ctx context.Context, id string) *adsb.Aircraft
	ClearCache()
	Stats() aggregator.Stats
}

// Options configures a Server.
type Options struct {
	// Home is used when a query omits lat/lon
	Home coordinates.Geographic

	// AllowedOrigins for CORS; empty allows any origin
	AllowedOrigins []string
}

// Server holds the HTTP router and its dependencies
type Server struct {
	router *chi.Mux
	agg    Aggregator
	opts   Options
	log    *logger.Logger
}

// NewServer creates a Server with its routes mounted.
func NewServer(agg Aggregator, opts Options, log *logger.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		agg:    agg,
		opts:   opts,
		log:    logger.OrNop(log).With("component", "api"),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/aircraft", s.handleGetAircraft)
		r.Get("/aircraft/{id}", s.handleGetAircraftByID)
		r.Get("/stats", s.handleGetStats)
		r.Post("/cache/clear", s.handleClearCache)
	})
}

// requestLogger logs one line per request through the structured logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// AircraftResponse is an aircraft annotated relative to the query point.
type AircraftResponse struct {
	adsb.Aircraft
	DistanceNM *float64 `json:"distance_nm,omitempty"`
	Bearing    *int     `json:"bearing,omitempty"`

	// Predicted is set when the query asks for extrapolated positions
	Predicted *tracking.PredictedPosition `json:"predicted,omitempty"`
}

func annotate(ac adsb.Aircraft, lat, lon float64, predict time.Duration) AircraftResponse {
	resp := AircraftResponse{Aircraft: ac}
	if d, ok := ac.DistanceTo(lat, lon); ok {
		resp.DistanceNM = &d
	}
	// Bearing from the query point to the aircraft
	if pos, ok := ac.Position(); ok {
		b := int(coordinates.Bearing(coordinates.Geographic{Latitude: lat, Longitude: lon}, pos))
		resp.Bearing = &b
	}
	if predict > 0 {
		if p, ok := tracking.PredictPositionWithLatency(ac, predict); ok {
			resp.Predicted = &p
		}
	}
	return resp
}

func (s *Server) handleGetAircraft(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lat, err := floatParam(q.Get("lat"), s.opts.Home.Latitude)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid lat")
		return
	}
	lon, err := floatParam(q.Get("lon"), s.opts.Home.Longitude)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid lon")
		return
	}
	radius, err := floatParam(q.Get("radius"), 0)
	if err != nil || radius < 0 {
		respondError(w, http.StatusBadRequest, "invalid radius")
		return
	}
	predictSec, err := floatParam(q.Get("predict"), 0)
	if err != nil || predictSec < 0 || predictSec > maxPredictSeconds {
		respondError(w, http.StatusBadRequest, "invalid predict")
		return
	}
	predict := time.Duration(predictSec * float64(time.Second))
	if !(coordinates.Geographic{Latitude: lat, Longitude: lon}).Valid() {
		respondError(w, http.StatusBadRequest, "lat/lon out of range")
		return
	}

	aircraft := s.agg.QueryNear(r.Context(), lat, lon, radius)

	response := make([]AircraftResponse, 0, len(aircraft))
	for _, ac := range adsb.SortByDistance(aircraft, lat, lon) {
		response = append(response, annotate(ac, lat, lon, predict))
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"aircraft": response,
		"count":    len(response),
		"query": map[string]interface{}{
			"lat":       lat,
			"lon":       lon,
			"radius_nm": radius,
		},
	})
}

func (s *Server) handleGetAircraftByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ac := s.agg.QueryByUniqueID(r.Context(), id)
	if ac == nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("aircraft %s not found", id))
		return
	}

	respondJSON(w, http.StatusOK, ac)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.agg.Stats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.agg.ClearCache()
	s.log.Info("caches cleared via API", "request_id", middleware.GetReqID(r.Context()))
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleHealth is 200 while at least one source is enabled.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.agg.Stats()
	enabled := stats.EnabledSources()

	status := http.StatusOK
	state := "ok"
	if enabled == 0 {
		status = http.StatusServiceUnavailable
		state = "no sources available"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":          state,
		"sources":         len(stats.Sources),
		"enabled_sources": enabled,
	})
}

// floatParam parses a finite float query parameter.
func floatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", raw)
	}
	return v, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
