package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/internal/cache"
	"github.com/spatialnn/pwfit/internal/fitstore"
	"github.com/spatialnn/pwfit/internal/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	FitService  *service.FitService
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", datasetMetadataHandler)
			r.Get("/genes", datasetGenesHandler)
			r.Get("/cell_types", datasetCellTypesHandler)

			r.Route("/fit/jobs", func(r chi.Router) {
				r.Post("/", fitJobSubmitHandler(cfg.JobManager, cfg.FitService))
				r.Get("/", fitJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", fitJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", fitJobResultHandler(cfg.JobManager, cfg.Cache))
				r.Get("/{job_id}/discontinuities", fitJobDiscontinuitiesHandler(cfg.JobManager, cfg.Cache))
				r.Delete("/{job_id}", fitJobDeleteHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.DatasetService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.DatasetService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, cm.Stats())
	}
}

func datasetMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not available", http.StatusInternalServerError)
		return
	}
	md, err := svc.Metadata()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// datasetGenesHandler lists gene names. An optional q narrows the list to
// names containing it, case-insensitively.
func datasetGenesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not available", http.StatusInternalServerError)
		return
	}
	ds, err := svc.Dataset()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	genes := ds.Genes
	if q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q"))); q != "" {
		genes = make([]string, 0)
		for _, g := range ds.Genes {
			if strings.Contains(strings.ToLower(g), q) {
				genes = append(genes, g)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"genes": genes,
		"total": len(genes),
	})
}

func datasetCellTypesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not available", http.StatusInternalServerError)
		return
	}
	ds, err := svc.Dataset()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := ds.CellTypes.Names
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cell_types": names,
		"total":      len(names),
	})
}

// Fit job handlers

type fitJobSubmitRequest struct {
	CellTypes       []string `json:"cell_types"`
	UMIThreshold    *float64 `json:"umi_threshold"`
	Genes           []string `json:"genes"`
	Pseudocount     *float64 `json:"pseudocount"`
	PValueThreshold float64  `json:"pvalue_threshold"`
	MinSpots        int      `json:"min_spots"`
	Alpha           float64  `json:"alpha"`
}

func fitJobSubmitHandler(jm *JobManager, fs *service.FitService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not available", http.StatusInternalServerError)
			return
		}

		var req fitJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Pseudocount != nil && *req.Pseudocount < 0 {
			http.Error(w, "pseudocount must be non-negative", http.StatusBadRequest)
			return
		}
		if req.MinSpots < 0 || req.Alpha < 0 {
			http.Error(w, "min_spots and alpha must be non-negative", http.StatusBadRequest)
			return
		}

		params := fitstore.FitJobParams{
			DatasetID:       chi.URLParam(r, "dataset"),
			CellTypes:       req.CellTypes,
			UMIThreshold:    req.UMIThreshold,
			Genes:           req.Genes,
			Pseudocount:     req.Pseudocount,
			PValueThreshold: req.PValueThreshold,
			MinSpots:        req.MinSpots,
			Alpha:           req.Alpha,
		}

		// Reject parameters that cannot work before they take a queue slot.
		if fs != nil {
			ds, err := svc.Dataset()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if _, err := fs.Options(params, ds); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, service.ErrInvalidParams) {
					status = http.StatusBadRequest
				}
				http.Error(w, err.Error(), status)
				return
			}
		}

		job, err := jm.Submit(params)
		if errors.Is(err, ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func fitJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(chi.URLParam(r, "dataset"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*fitstore.FitJob{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
		})
	}
}

// datasetJob returns the job named in the URL if it belongs to the URL's
// dataset, writing an error response otherwise.
func datasetJob(w http.ResponseWriter, r *http.Request, jm *JobManager) *fitstore.FitJob {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}

	jobID := chi.URLParam(r, "job_id")
	job := jm.Get(jobID)
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

// completedJob is datasetJob plus a check that results are available and
// that the requested key was fitted.
func completedJob(w http.ResponseWriter, r *http.Request, jm *JobManager) (*fitstore.FitJob, string) {
	job := datasetJob(w, r, jm)
	if job == nil {
		return nil, ""
	}
	if job.Status != fitstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
		return nil, ""
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		key = "all_cell_types"
	}
	for _, k := range job.Keys {
		if k == key {
			return job, key
		}
	}
	http.Error(w, "unknown key: "+key, http.StatusNotFound)
	return nil, ""
}

func fitJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := datasetJob(w, r, jm)
		if job == nil {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"params":      job.Params,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"n_genes":     job.NGenes,
			"n_layers":    job.NLayers,
			"n_spots":     job.NSpots,
			"keys":        job.Keys,
			"error":       job.Error,
		})
	}
}

var resultOrders = map[string]bool{
	"gene":      true,
	"pvalue":    true,
	"abs_slope": true,
	"layer":     true,
}

func fitJobResultHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, key := completedJob(w, r, jm)
		if job == nil {
			return
		}
		query := r.URL.Query()

		// Parse pagination and order params
		offset := 0
		limit := defaultPageSize
		orderBy := query.Get("order_by")
		if orderBy == "" {
			orderBy = "gene"
		}
		if !resultOrders[orderBy] {
			http.Error(w, "invalid order_by: "+orderBy, http.StatusBadRequest)
			return
		}
		if offsetStr := query.Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := query.Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = min(v, maxPageSize)
			}
		}

		var filter fitstore.ResultFilter
		filters := map[string]string{}
		if gene := query.Get("gene"); gene != "" {
			filter.Gene = gene
			filters["gene"] = gene
		}
		if layerStr := query.Get("layer"); layerStr != "" {
			layer, err := strconv.Atoi(layerStr)
			if err != nil || layer < 0 || layer >= job.NLayers {
				http.Error(w, "invalid layer: "+layerStr, http.StatusBadRequest)
				return
			}
			filter.Layer = &layer
			filters["layer"] = layerStr
		}
		if fittedStr := query.Get("fitted"); fittedStr != "" {
			fitted, err := strconv.ParseBool(fittedStr)
			if err != nil {
				http.Error(w, "invalid fitted: "+fittedStr, http.StatusBadRequest)
				return
			}
			filter.FittedOnly = fitted
			filters["fitted"] = strconv.FormatBool(fitted)
		}

		cacheKey := cache.ResultKey(job.ID, key, orderBy, offset, limit, filters)
		if cm != nil {
			if data, ok := cm.GetResult(cacheKey); ok {
				writeCachedJSON(w, data)
				return
			}
		}

		items, total, err := jm.Store().QueryResults(job.ID, key, filter, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []*fitstore.FitResult{}
		}

		data, err := json.Marshal(map[string]interface{}{
			"params":   job.Params,
			"key":      key,
			"n_genes":  job.NGenes,
			"n_layers": job.NLayers,
			"total":    total,
			"offset":   offset,
			"limit":    limit,
			"order_by": orderBy,
			"items":    items,
		})
		if err != nil {
			http.Error(w, "failed to encode results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			if err := cm.SetResult(cacheKey, data); err != nil {
				log.WithError(err).Warn("failed to cache result page")
			}
		}
		writeCachedJSON(w, data)
	}
}

func fitJobDiscontinuitiesHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, key := completedJob(w, r, jm)
		if job == nil {
			return
		}

		cacheKey := cache.DiscontinuityKey(job.ID, key)
		if cm != nil {
			if data, ok := cm.GetResult(cacheKey); ok {
				writeCachedJSON(w, data)
				return
			}
		}

		items, err := jm.Store().QueryDiscontinuities(job.ID, key)
		if err != nil {
			http.Error(w, "failed to query discontinuities: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []*fitstore.Discontinuity{}
		}
		data, err := json.Marshal(map[string]interface{}{
			"key":        key,
			"n_genes":    job.NGenes,
			"boundaries": max(job.NLayers-1, 0),
			"items":      items,
		})
		if err != nil {
			http.Error(w, "failed to encode discontinuities: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			if err := cm.SetResult(cacheKey, data); err != nil {
				log.WithError(err).Warn("failed to cache discontinuities")
			}
		}
		writeCachedJSON(w, data)
	}
}

// fitJobDeleteHandler cancels a queued or running job and deletes a
// finished one together with its results.
func fitJobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := datasetJob(w, r, jm)
		if job == nil {
			return
		}

		switch job.Status {
		case fitstore.JobStatusQueued, fitstore.JobStatusRunning:
			cancelled := jm.Cancel(job.ID)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    job.ID,
				"cancelled": cancelled,
			})
		default:
			if err := jm.Delete(job.ID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":  job.ID,
				"deleted": true,
			})
		}
	}
}

func writeCachedJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
