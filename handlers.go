package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/kwv/fogmesh/fog"
)

type ctxKey int

const ctxKeyTracker ctxKey = iota

// maxFixBody caps the size of a pushed fix payload.
const maxFixBody = 64 << 10

// newRouter creates the HTTP handler with all endpoints
func newRouter(a *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newStructuredLogger(a.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/", handleIndex(a))
	r.Get("/health", handleHealth(a))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/fog-pattern.png", handleFogPattern(a))
	r.Get("/api/geocode", handleGeocode(a))

	r.Route("/api/explorers", func(r chi.Router) {
		r.Get("/", handleExplorers(a))
		r.Route("/{explorer}", func(r chi.Router) {
			r.Use(trackerMiddleware(a))
			r.Get("/", handleStatus)
			r.Get("/fog", handleFog)
			r.Get("/fog.svg", handleFogImage(a, "svg"))
			r.Get("/fog.png", handleFogImage(a, "png"))
			r.Get("/regions", handleRegions)
			r.Get("/session", handleSession)
			r.Get("/stats", handleStats)
			r.Get("/ws", handleFogStream(a))
			r.Post("/fixes", handlePushFix(a))
			r.Post("/start", handleStart(a))
			r.Post("/stop", handleStop(a))
			r.Post("/unavailable", handleUnavailable)
		})
	})

	return r
}

func newStructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func trackerMiddleware(a *App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, ok := a.Tracker(chi.URLParam(r, "explorer"))
			if !ok {
				writeError(w, http.StatusNotFound, "explorer not found")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyTracker, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func trackerFrom(r *http.Request) *fog.Tracker {
	return r.Context().Value(ctxKeyTracker).(*fog.Tracker)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSONType(w, status, "application/json; charset=utf-8", v)
}

func writeGeoJSON(w http.ResponseWriter, v any) {
	writeJSONType(w, http.StatusOK, "application/geo+json", v)
}

func writeJSONType(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleIndex(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "fogmesh %s\n\nExplorers:\n", Version)
		for _, t := range a.Trackers() {
			fmt.Fprintf(w, "  %s  /api/explorers/%s/fog\n", t.ID(), t.ID())
		}
	}
}

func handleHealth(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trackers := a.Trackers()
		tracking := 0
		for _, t := range trackers {
			if t.Running() {
				tracking++
			}
		}
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Version   string    `json:"version"`
			Timestamp time.Time `json:"timestamp"`
			Explorers int       `json:"explorers"`
			Tracking  int       `json:"tracking"`
		}{
			Status:    "ok",
			Version:   Version,
			Timestamp: time.Now(),
			Explorers: len(trackers),
			Tracking:  tracking,
		})
	}
}

// handleFogPattern serves the tileable fog texture. ?size= and ?seed=
// override the configured tile.
func handleFogPattern(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size := a.Config.HTTP.PatternSize
		if v := r.URL.Query().Get("size"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 16 || n > 2048 {
				writeError(w, http.StatusBadRequest, "size must be between 16 and 2048")
				return
			}
			size = n
		}
		var seed uint64 = 1
		if v := r.URL.Query().Get("seed"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid seed")
				return
			}
			seed = n
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		if err := png.Encode(w, fog.FogPattern(size, seed)); err != nil {
			a.Logger.Error("encoding fog pattern", "error", err)
		}
	}
}

func handleGeocode(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.Geocoder == nil {
			writeError(w, http.StatusServiceUnavailable, "geocoding is not configured")
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, http.StatusBadRequest, "missing q")
			return
		}
		p, label, err := a.Geocoder.Forward(r.Context(), q)
		if err != nil {
			a.Logger.Warn("forward geocoding failed", "query", q, "error", err)
			writeError(w, http.StatusBadGateway, "geocoding failed")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Lon   float64 `json:"lon"`
			Lat   float64 `json:"lat"`
			Label string  `json:"label"`
		}{p.Lon, p.Lat, label})
	}
}

func handleExplorers(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trackers := a.Trackers()
		statuses := make([]fog.Status, 0, len(trackers))
		for _, t := range trackers {
			statuses = append(statuses, t.Status())
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, trackerFrom(r).Status())
}

func handleFog(w http.ResponseWriter, r *http.Request) {
	t := trackerFrom(r)
	writeGeoJSON(w, fog.FogFeatureCollection(t.ID(), t.Latest(r.Context()).Fog))
}

func handleRegions(w http.ResponseWriter, r *http.Request) {
	writeGeoJSON(w, fog.RegionsFeatureCollection(trackerFrom(r).Regions()))
}

func handleSession(w http.ResponseWriter, r *http.Request) {
	t := trackerFrom(r)
	u := t.Latest(r.Context())
	writeGeoJSON(w, fog.SessionFeatureCollection(t.ID(), u.Session, u.Explored))
}

func handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, trackerFrom(r).Stats(r.Context()))
}

// handleFogImage renders the latest fog. The PNG endpoint uses the raster
// renderer unless ?renderer=vector.
func handleFogImage(a *App, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := trackerFrom(r)
		scene := fog.SceneFromUpdate(t.Latest(r.Context()), a.explorerColor(t.ID()))

		format := "svg"
		contentType := "image/svg+xml"
		if kind == "png" {
			format = "raster"
			if r.URL.Query().Get("renderer") == "vector" {
				format = "vector"
			}
			contentType = "image/png"
		}

		w.Header().Set("Content-Type", contentType)
		if err := renderScene(w, scene, format); err != nil {
			a.Logger.Error("rendering fog", "explorer", t.ID(), "format", format, "error", err)
		}
	}
}

// renderScene writes scene in one of the formats accepted by renderFormat.
func renderScene(w io.Writer, scene fog.Scene, format string) error {
	format, err := renderFormat(format)
	if err != nil {
		return err
	}
	switch format {
	case "svg":
		return fog.NewVectorRenderer(scene).RenderToSVG(w)
	case "vector":
		return fog.NewVectorRenderer(scene).RenderToPNG(w)
	default:
		return fog.NewRasterRenderer(scene).RenderToPNG(w)
	}
}

// handlePushFix accepts one fix in any payload form the transports accept.
func handlePushFix(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := trackerFrom(r)
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFixBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading body")
			return
		}
		raw, err := fog.DecodeFixPayload(body, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		err = a.Push.Push(r.Context(), t.ID(), raw)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, fog.ErrNoSubscriber):
			writeError(w, http.StatusConflict, "explorer is not being tracked")
		default:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
	}
}

func handleStart(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := trackerFrom(r)
		if err := a.StartTracker(r.Context(), t.ID()); err != nil {
			a.Logger.Error("starting tracker", "explorer", t.ID(), "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t.Status())
	}
}

// handleStop archives the session. A failed archive still stops tracking;
// the status then carries the archive advisory.
func handleStop(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := trackerFrom(r)
		if err := a.StopTracker(r.Context(), t.ID()); err != nil && !fog.IsAdvisory(err) {
			a.Logger.Error("stopping tracker", "explorer", t.ID(), "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, t.Status())
	}
}

func handleUnavailable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFixBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	t := trackerFrom(r)
	t.ReportGeolocationUnavailable(body.Reason)
	writeJSON(w, http.StatusOK, t.Status())
}

// handleFogStream pushes every fog message of the explorer over a websocket.
// Messages from the client are ignored.
func handleFogStream(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := trackerFrom(r)
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			a.Logger.Error("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		client := a.Broadcaster.Register(t.ID())
		defer a.Broadcaster.Unregister(client)

		ctx := conn.CloseRead(r.Context())

		// Nothing broadcast yet, so send the current fog directly.
		if len(client.Send) == 0 {
			payload, err := fog.EncodeFogMessage(t.Latest(ctx))
			if err == nil {
				err = conn.Write(ctx, websocket.MessageText, payload)
			}
			if err != nil {
				a.Logger.Debug("websocket write failed", "error", err)
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-client.Send:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "stream closed")
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
					a.Logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		}
	}
}
