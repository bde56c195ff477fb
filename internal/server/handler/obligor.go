package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/jankascore/internal/domain"
	"github.com/alanyoungcy/jankascore/internal/service"
)

// ScoringService is what the obligor and score handlers need.
type ScoringService interface {
	ApplyEvent(ctx context.Context, ev domain.LendingEvent) (domain.ScoreSummary, error)
	GetObligor(ctx context.Context, address string) (domain.ScoreSummary, error)
	ListObligors(ctx context.Context, opts domain.ListOpts) ([]domain.ObligorSnapshot, error)
	Rebuild(ctx context.Context, address string) (service.ScoreResult, error)
	ScoreBatch(ctx context.Context, req service.ScoreRequest) (service.ScoreResult, error)
	ScoreMany(ctx context.Context, reqs []service.ScoreRequest) ([]service.ScoreResult, error)
}

// ObligorHandler serves the persistent per-obligor endpoints.
type ObligorHandler struct {
	scoring  ScoringService
	archiver domain.Archiver   // optional
	archives domain.BlobReader // optional
	logger   *slog.Logger
}

// NewObligorHandler creates an ObligorHandler. archiver and archives may be
// nil when object storage is off.
func NewObligorHandler(scoring ScoringService, archiver domain.Archiver, archives domain.BlobReader, logger *slog.Logger) *ObligorHandler {
	return &ObligorHandler{
		scoring:  scoring,
		archiver: archiver,
		archives: archives,
		logger:   logger.With(slog.String("handler", "obligor")),
	}
}

type listObligorsResponse struct {
	Obligors []domain.ObligorSnapshot `json:"obligors"`
}

// ListObligors returns stored obligor snapshots.
// GET /api/obligors?limit=&offset=
func (h *ObligorHandler) ListObligors(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.scoring.ListObligors(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list obligors", err)
		return
	}
	if snaps == nil {
		snaps = []domain.ObligorSnapshot{}
	}
	writeJSON(w, http.StatusOK, listObligorsResponse{Obligors: snaps})
}

// GetObligor returns the score, probability, variance, interval and
// positions of one obligor.
// GET /api/obligors/{address}
func (h *ObligorHandler) GetObligor(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scoring.GetObligor(r.Context(), r.PathValue("address"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get obligor", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type positionsResponse struct {
	Address   string                    `json:"address"`
	Positions []domain.PositionSnapshot `json:"positions"`
}

// GetPositions returns only the obligor's positions.
// GET /api/obligors/{address}/positions
func (h *ObligorHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scoring.GetObligor(r.Context(), r.PathValue("address"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get positions", err)
		return
	}
	positions := summary.Positions
	if positions == nil {
		positions = []domain.PositionSnapshot{}
	}
	writeJSON(w, http.StatusOK, positionsResponse{Address: summary.Address, Positions: positions})
}

// ApplyEvent applies one event to the obligor in the path. The body's
// obligor field, if present, must match.
// POST /api/obligors/{address}/events
func (h *ObligorHandler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.LendingEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := domain.NormalizeAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Obligor != "" {
		if bodyAddr, err := domain.NormalizeAddress(ev.Obligor); err != nil || bodyAddr != addr {
			writeError(w, http.StatusBadRequest, "obligor in body does not match path")
			return
		}
	}
	ev.Obligor = addr

	summary, err := h.scoring.ApplyEvent(r.Context(), ev)
	if err != nil {
		writeServiceError(w, r, h.logger, "apply event", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Rebuild replays the obligor's stored event log from its seed.
// POST /api/obligors/{address}/rebuild
func (h *ObligorHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	res, err := h.scoring.Rebuild(r.Context(), r.PathValue("address"))
	if err != nil {
		writeServiceError(w, r, h.logger, "rebuild", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Archive exports the obligor's history to object storage.
// POST /api/obligors/{address}/archive
func (h *ObligorHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusNotImplemented, "archival is not configured")
		return
	}
	addr, err := domain.NormalizeAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	path, err := h.archiver.ArchiveObligor(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "archive", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr, "path": path})
}

type archiveListResponse struct {
	Address  string            `json:"address"`
	Archives []domain.BlobInfo `json:"archives"`
}

// ListArchives lists the obligor's archived objects.
// GET /api/obligors/{address}/archives
func (h *ObligorHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotImplemented, "archival is not configured")
		return
	}
	addr, err := domain.NormalizeAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	infos, err := h.archives.List(r.Context(), domain.ArchivePrefix(addr))
	if err != nil {
		writeServiceError(w, r, h.logger, "list archives", err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, archiveListResponse{Address: addr, Archives: infos})
}

// ScoreHandler serves stateless batch scoring.
type ScoreHandler struct {
	scoring ScoringService
	logger  *slog.Logger
}

// NewScoreHandler creates a ScoreHandler.
func NewScoreHandler(scoring ScoringService, logger *slog.Logger) *ScoreHandler {
	return &ScoreHandler{scoring: scoring, logger: logger.With(slog.String("handler", "score"))}
}

// scoreBody accepts either one request inline or several under "batch".
type scoreBody struct {
	service.ScoreRequest
	Batch []service.ScoreRequest `json:"batch,omitempty"`
}

// Score scores events without persisting anything. A body with "batch"
// scores each entry concurrently and returns a list.
// POST /api/score
func (h *ScoreHandler) Score(w http.ResponseWriter, r *http.Request) {
	var body scoreBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(body.Batch) > 0 {
		results, err := h.scoring.ScoreMany(r.Context(), body.Batch)
		if err != nil {
			writeServiceError(w, r, h.logger, "score batch", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	res, err := h.scoring.ScoreBatch(r.Context(), body.ScoreRequest)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusUnprocessableEntity {
			writeJSON(w, status, map[string]any{"error": err.Error(), "report": res.Report})
			return
		}
		writeServiceError(w, r, h.logger, "score", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

