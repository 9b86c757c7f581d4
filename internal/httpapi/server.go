package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genomed/internal/assembler"
	"genomed/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListGenomes(ctx context.Context) ([]types.GenomeInfo, error)
	GetGenome(ctx context.Context, id string) (types.GenomeInfo, error)
	Assemble(ctx context.Context, id string) (*assembler.AssembledGenome, error)
	Warm(ctx context.Context, id string) (string, error)
	Unload(ctx context.Context, id string) error
	Status(ctx context.Context) types.StatusResponse
	Stats() types.StatsResponse
	Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error
	Ready() bool
}

// NewMux builds the HTTP API router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}

	// Compression only for JSON endpoints; /infer streams.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/genomes", h.listGenomes)
		r.Get("/genomes/{id}", h.getGenome)
		r.Get("/status", h.status)
		r.Get("/stats", h.stats)
	})
	r.Post("/genomes/{id}/assemble", h.assemble)
	r.Post("/genomes/{id}/warm", h.warm)
	r.Delete("/genomes/{id}/cache", h.unload)
	r.Post("/infer", h.infer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

// listGenomes godoc
// @Summary      List genomes
// @Description  Returns every stored genome with its current readiness.
// @Tags         genomes
// @Produce      json
// @Success      200  {object}  types.GenomesResponse
// @Failure      500  {object}  types.ErrorResponse
// @Router       /genomes [get]
func (h *handlers) listGenomes(w http.ResponseWriter, r *http.Request) {
	gs, err := h.svc.ListGenomes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.GenomesResponse{Genomes: gs})
}

// getGenome godoc
// @Summary      Get a genome
// @Tags         genomes
// @Produce      json
// @Param        id   path      string  true  "Genome ID"
// @Success      200  {object}  types.GenomeInfo
// @Failure      404  {object}  types.ErrorResponse
// @Router       /genomes/{id} [get]
func (h *handlers) getGenome(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.GetGenome(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// assemble godoc
// @Summary      Assemble a genome
// @Description  Loads and composes the genome's layers without binding a process.
// @Tags         genomes
// @Produce      json
// @Param        id   path      string  true  "Genome ID"
// @Success      200  {object}  types.AssembleResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      422  {object}  types.ErrorResponse
// @Router       /genomes/{id}/assemble [post]
func (h *handlers) assemble(w http.ResponseWriter, r *http.Request) {
	ag, err := h.svc.Assemble(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}
	resp := types.AssembleResponse{
		GenomeID:    ag.GenomeID,
		BaseModel:   ag.BaseModel,
		LayerCount:  ag.LayerCount,
		TotalBytes:  ag.TotalBytes,
		DurationMS:  ag.Duration.Milliseconds(),
		CacheHits:   ag.CacheHits,
		CacheMisses: ag.CacheMisses,
		Reused:      ag.Reused,
	}
	if ag.Composite != nil {
		resp.Checksum = ag.Composite.Checksum
	}
	writeJSON(w, http.StatusOK, resp)
}

// warm godoc
// @Summary      Warm a genome
// @Description  Starts a background preload of the genome's layers.
// @Tags         genomes
// @Produce      json
// @Param        id   path      string  true  "Genome ID"
// @Success      202  {object}  types.OpResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /genomes/{id}/warm [post]
func (h *handlers) warm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.svc.Warm(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.OpResponse{OpID: op, GenomeID: id})
}

// unload godoc
// @Summary      Unload a genome
// @Description  Drains the genome, unbinds idle processes and evicts layers no other genome uses.
// @Tags         genomes
// @Param        id   path      string  true  "Genome ID"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Router       /genomes/{id}/cache [delete]
func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unload(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// status godoc
// @Summary      Runtime status
// @Tags         monitoring
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

// stats godoc
// @Summary      Runtime counters
// @Tags         monitoring
// @Produce      json
// @Success      200  {object}  types.StatsResponse
// @Router       /stats [get]
func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// infer godoc
// @Summary      Run inference
// @Description  Streams NDJSON token lines followed by a final {"done":true} line.
// @Tags         inference
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      types.InferRequest  true  "Inference request"
// @Success      200
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      429  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /infer [post]
func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	lvl := requestLogLevel(r)
	log := requestLogger(r)
	start := time.Now()
	if lvl >= LevelInfo {
		log.Info().Str("event", "infer_start").Str("genome", req.Genome).Msg("infer start")
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	writer := io.Writer(w)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{log: log})
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if inferTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, inferTimeout)
		defer tcancel()
	}

	err := h.svc.Infer(ctx, req, writer, flush)
	if err != nil && (r.Context().Err() != nil || serverBaseCtx.Err() != nil) {
		// Client went away or the server is stopping; nothing to report.
		return
	}
	status := http.StatusOK
	if err != nil {
		status = writeError(w, err)
	}
	if (lvl >= LevelError && err != nil) || lvl >= LevelInfo {
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("event", "infer_end").Int("status", status).Dur("dur", time.Since(start)).Msg("infer end")
	}
}
