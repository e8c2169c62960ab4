package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ChuLiYu/screening-queue/internal/cache"
	"github.com/ChuLiYu/screening-queue/internal/controller"
	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/report"
	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UploadRequest carries already validated studies for one job.
type UploadRequest struct {
	JobID   types.JobID   `json:"job_id"`
	Studies []types.Study `json:"studies" binding:"required"`
}

// ScreenRequest starts screening. Without total_studies the store count is used.
type ScreenRequest struct {
	Inclusion    []string `json:"inclusion"`
	Exclusion    []string `json:"exclusion"`
	TotalStudies *int     `json:"total_studies,omitempty"`
}

// AbortRequest aborts a job.
type AbortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) healthHandler(c *gin.Context) {
	h := s.coord.Health()
	code := http.StatusOK
	if p, ok := s.loader.(store.Pinger); ok {
		h.Store = "ok"
		if err := p.Ping(c.Request.Context()); err != nil {
			s.log.Warn("store ping failed", "error", err)
			h.Store = "unreachable"
			h.Status = "degraded"
		}
	}
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) agentsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.GetAgentStatus())
}

func (s *Server) listJobsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.coord.ListStatus()})
}

func (s *Server) uploadHandler(c *gin.Context) {
	if s.loader == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "upload is not enabled"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)

	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Studies) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no studies in upload"})
		return
	}
	for i, st := range req.Studies {
		if err := decision.CheckStudy(st); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("study %d: %v", i, err)})
			return
		}
	}
	if req.JobID == "" {
		req.JobID = types.JobID(uuid.NewString())
	}
	if _, err := s.coord.GetStatus(req.JobID); err == nil {
		writeError(c, types.NewError(types.KindDuplicateJob, req.JobID, "upload",
			errors.New("screening already started for this job")))
		return
	}

	added, err := s.loader.AddStudies(c.Request.Context(), req.JobID, req.Studies)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"job_id":      req.JobID,
		"message":     "studies uploaded",
		"study_count": added,
	})
}

func (s *Server) screenHandler(c *gin.Context) {
	id := types.JobID(c.Param("id"))

	var req ScreenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	criteria := types.Criteria{Inclusion: req.Inclusion, Exclusion: req.Exclusion}

	var (
		job *types.Job
		err error
	)
	if req.TotalStudies != nil {
		job, err = s.coord.Submit(c.Request.Context(), id, criteria, *req.TotalStudies)
	} else {
		job, err = s.coord.Screen(c.Request.Context(), id, criteria)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"message": "screening started",
		"status":  job.Status,
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	snap, err := s.coord.GetStatus(types.JobID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) abortHandler(c *gin.Context) {
	var req AbortRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	snap, err := s.coord.Abort(c.Request.Context(), types.JobID(c.Param("id")), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) downloadHandler(c *gin.Context) {
	format, err := report.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := types.JobID(c.Param("id"))
	summary, err := s.coord.Summary(id)
	if err != nil {
		writeError(c, err)
		return
	}

	body, err := s.renderDownload(c.Request.Context(), format, summary)
	if err != nil {
		s.log.Error("failed to render download", "jobID", id, "format", format, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render report"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="screening-%s.%s"`, id, format))
	c.Data(http.StatusOK, format.ContentType(), body)
}

// renderDownload returns the cached export of a completed job or renders
// and caches it. Cache failures only cost a re-render.
func (s *Server) renderDownload(ctx context.Context, format report.Format, summary types.Summary) ([]byte, error) {
	key := fmt.Sprintf("report:%s:%s", summary.JobID, format)
	if s.cfg.Cache != nil {
		body, err := s.cfg.Cache.Get(ctx, key)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn("report cache read failed", "key", key, "error", err)
		}
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, format, summary); err != nil {
		return nil, err
	}

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Set(ctx, key, buf.Bytes(), s.cfg.CacheTTL); err != nil {
			s.log.Warn("report cache write failed", "key", key, "error", err)
		}
	}
	return buf.Bytes(), nil
}

// writeError maps an error kind to an HTTP status.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindJobNotFound:
		code = http.StatusNotFound
	case types.KindDuplicateJob, types.KindInvalidTransition, types.KindJobFailedTerminal:
		code = http.StatusConflict
	case types.KindPermanentValidation:
		code = http.StatusBadRequest
	case types.KindTransient:
		code = http.StatusServiceUnavailable
	default:
		if errors.Is(err, controller.ErrStopped) || errors.Is(err, controller.ErrNotStarted) {
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{"error": err.Error(), "kind": types.KindOf(err).String()})
}
