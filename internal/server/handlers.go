package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"claimbot/internal/batch"
	"claimbot/internal/claimsource"
	"claimbot/internal/domain"
	"claimbot/internal/stats"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errEmptyBatchRequest = errors.New("either claims or source is required")

type batchRequest struct {
	Claims []domain.ClaimInput `json:"claims"`
	Source string              `json:"source"`
}

type batchAccepted struct {
	JobID    string                 `json:"job_id"`
	Total    int                    `json:"total"`
	Rejected []claimsource.Rejected `json:"rejected"`
}

type statsResponse struct {
	stats.Snapshot
	Health stats.HealthStatus `json:"health"`
}

func newStatsResponse(snap stats.Snapshot) statsResponse {
	return statsResponse{Snapshot: snap, Health: snap.Health()}
}

func (s *Server) classify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var in domain.ClaimInput
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := in.UnmarshalJSON(body); err != nil {
			writeError(c, http.StatusBadRequest, "parse_error", &domain.ParseError{Reason: "malformed JSON: " + err.Error()})
			return
		}
	}
	res, err := s.classifier.ClassifyInput(c.Request.Context(), in)
	if err != nil {
		writeClassifyError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeClassifyError(c *gin.Context, err error) {
	var pe *domain.ParseError
	if errors.As(err, &pe) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":      pe.Error(),
			"error_type": "parse_error",
			"fields":     pe.Fields,
		})
		return
	}
	writeError(c, http.StatusInternalServerError, "internal", err)
}

func (s *Server) startBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	loaded, source, err := s.resolveBatch(c.Request.Context(), req)
	if err != nil {
		writeSourceError(c, err)
		return
	}
	s.launch(c, loaded, source)
}

func (s *Server) uploadBatch(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("file upload error: %w", err))
		return
	}
	defer file.Close()

	loaded, err := claimsource.Read(file, claimsource.FormatFor(header.Filename))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_source", err)
		return
	}
	s.launch(c, loaded, "upload:"+header.Filename)
}

func (s *Server) launch(c *gin.Context, loaded claimsource.Loaded, source string) {
	jobID, err := s.batches.StartBatch(loaded.Claims, batch.WithSource(source))
	if err != nil {
		writeBatchError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted(jobID, loaded))
}

func accepted(jobID string, loaded claimsource.Loaded) batchAccepted {
	rejected := loaded.Rejected
	if rejected == nil {
		rejected = []claimsource.Rejected{}
	}
	return batchAccepted{JobID: jobID, Total: len(loaded.Claims), Rejected: rejected}
}

// resolveBatch turns inline claims or a source reference into claims.
func (s *Server) resolveBatch(ctx context.Context, req batchRequest) (claimsource.Loaded, string, error) {
	source := strings.TrimSpace(req.Source)
	switch {
	case req.Claims != nil && source != "":
		return claimsource.Loaded{}, "", fmt.Errorf("%w: claims and source are mutually exclusive", claimsource.ErrUnsupportedSource)
	case req.Claims != nil:
		return claimsource.FromInputs(req.Claims), "inline", nil
	case source != "":
		loaded, err := s.sources.Load(ctx, source)
		return loaded, source, err
	default:
		return claimsource.Loaded{}, "", errEmptyBatchRequest
	}
}

func writeSourceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errEmptyBatchRequest), errors.Is(err, claimsource.ErrUnsupportedSource):
		writeError(c, http.StatusBadRequest, "invalid_source", err)
	case errors.Is(err, os.ErrNotExist):
		writeError(c, http.StatusNotFound, "source_not_found", err)
	default:
		writeError(c, http.StatusBadGateway, "source_error", err)
	}
}

func writeBatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, batch.ErrJobNotFound):
		writeError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, batch.ErrShuttingDown):
		writeError(c, http.StatusServiceUnavailable, "shutting_down", err)
	case errors.Is(err, batch.ErrDuplicateJob):
		writeError(c, http.StatusConflict, "duplicate_job", err)
	default:
		writeError(c, http.StatusInternalServerError, "internal", err)
	}
}

func (s *Server) listBatches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.batches.Running()})
}

func (s *Server) batchStatus(c *gin.Context) {
	snap, err := s.batches.Status(c.Param("id"))
	if err != nil {
		writeBatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) cancelBatch(c *gin.Context) {
	jobID := c.Param("id")
	outcome, err := s.batches.Cancel(jobID)
	if err != nil {
		writeBatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "outcome": outcome})
}

func (s *Server) stopAll(c *gin.Context) {
	ids := s.batches.CancelAll()
	s.logger.Info("all batches cancelled", zap.Int("count", len(ids)))
	c.JSON(http.StatusOK, gin.H{"cancelled": ids, "count": len(ids)})
}

func (s *Server) errorStats(c *gin.Context) {
	c.JSON(http.StatusOK, newStatsResponse(s.stats.Snapshot()))
}

func (s *Server) resetErrorStats(c *gin.Context) {
	prev := s.stats.Reset()
	s.logger.Info("error stats reset",
		zap.Int64("attempts", prev.Total),
		zap.Int64("failures", prev.Failures),
	)
	c.JSON(http.StatusOK, gin.H{"reset": true, "previous": newStatsResponse(prev)})
}

func (s *Server) health(c *gin.Context) {
	snap := s.stats.Snapshot()
	body := gin.H{
		"status":       snap.Health(),
		"classifier":   "reachable",
		"running_jobs": len(s.batches.Running()),
		"error_rate":   snap.Rate,
	}
	code := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.healthTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("classifier unreachable", zap.Error(err))
			body["classifier"] = "unreachable"
			body["classifier_error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, body)
}
