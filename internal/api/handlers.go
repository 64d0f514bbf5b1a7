package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/review"
	"github.com/ae-signal-engine/internal/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// pagination reads limit and offset query parameters.
func pagination(c *gin.Context) (limit, offset int, err error) {
	limit, offset = defaultPageSize, 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func signalKey(c *gin.Context) domain.SignalKey {
	return domain.SignalKey{Drug: c.Param("drug"), Reaction: c.Param("reaction")}
}

// snapshot returns the current snapshot or writes the error response.
func (s *Server) snapshot(c *gin.Context) (*service.Snapshot, bool) {
	snap, err := s.service.Current()
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return snap, true
}

// handleGetIngestion reports the summary of the current snapshot
func (s *Server) handleGetIngestion(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dataset_version": snap.Dataset.Version(),
		"total_cases":     snap.Dataset.TotalCases(),
		"loaded_at":       snap.LoadedAt,
		"summary":         snap.Summary,
	})
}

// handleReingest reloads the configured archive directory
func (s *Server) handleReingest(c *gin.Context) {
	dir := s.configManager.GetConfig().Archive.Dir
	if dir == "" {
		s.abort(c, http.StatusConflict, domain.ErrCodeInvalidInput, "no archive directory configured", "")
		return
	}
	snap, err := s.service.IngestDirectory(c.Request.Context(), dir)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"dataset_version": snap.Dataset.Version(),
		"total_cases":     snap.Dataset.TotalCases(),
		"loaded_at":       snap.LoadedAt,
		"summary":         snap.Summary,
	})
}

// handleListSignals pages through the ranked signal list
func (s *Server) handleListSignals(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		s.badRequest(c, "invalid pagination", err)
		return
	}
	order := c.DefaultQuery("order", service.OrderComposite)
	if !service.ValidOrder(order) {
		s.badRequest(c, "order must be composite, frequency or elevated", nil)
		return
	}
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}

	run, err := s.results.Run(c.Request.Context(), snap)
	if err != nil {
		s.respondError(c, err)
		return
	}

	signals := service.OrderedSignals(run, order)

	c.JSON(http.StatusOK, gin.H{
		"run_id":          run.RunID,
		"dataset_version": run.DatasetVersion,
		"total_cases":     run.TotalCases,
		"reference_time":  run.ReferenceTime,
		"order":           order,
		"total":           len(signals),
		"skipped":         run.Skipped,
		"signals":         page(signals, limit, offset),
	})
}

// handleGetRun returns a persisted scoring run
func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.service.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleListRunSignals returns the top signals of a persisted run. Without a
// limit every signal is returned.
func (s *Server) handleListRunSignals(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			s.badRequest(c, "limit must be a positive integer", nil)
			return
		}
	}
	runID := c.Param("id")
	signals, err := s.service.RunSignals(c.Request.Context(), runID, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":  runID,
		"total":   len(signals),
		"signals": signals,
	})
}

// handleGetSignal returns one scored signal and its cases
func (s *Server) handleGetSignal(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	detail, err := s.service.SignalDetail(c.Request.Context(), snap, signalKey(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// handleClusterSignal partitions the cases of a signal into risk subgroups
func (s *Server) handleClusterSignal(c *gin.Context) {
	k := 0
	if v := c.Query("k"); v != "" {
		var err error
		if k, err = strconv.Atoi(v); err != nil || k < 1 {
			s.badRequest(c, "k must be a positive integer", nil)
			return
		}
	}
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	res, err := s.service.ClusterSignal(c.Request.Context(), snap, signalKey(c), k)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleSignalTrend returns the bucketed time series of a signal
func (s *Server) handleSignalTrend(c *gin.Context) {
	width := domain.BucketWidth(strings.ToLower(c.Query("width")))
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	res, err := s.service.SignalTrend(c.Request.Context(), snap, signalKey(c), width)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleListDuplicates pages through the duplicate groups of the snapshot
func (s *Server) handleListDuplicates(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		s.badRequest(c, "invalid pagination", err)
		return
	}
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	res, err := s.results.Duplicates(c.Request.Context(), snap)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dataset_version": snap.Dataset.Version(),
		"threshold":       res.Threshold,
		"pairs_compared":  res.PairsCompared,
		"blocks_skipped":  res.BlocksSkipped,
		"total":           len(res.Groups),
		"groups":          page(res.Groups, limit, offset),
	})
}

// reviewRequest is the body of a review decision
type reviewRequest struct {
	GroupID  string `json:"group_id" binding:"required"`
	Decision string `json:"decision" binding:"required"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
}

// handleSaveReview records a reviewer decision on a duplicate group
func (s *Server) handleSaveReview(c *gin.Context) {
	if s.reviews == nil {
		s.abort(c, http.StatusServiceUnavailable, domain.ErrCodeStorage, "review store not configured", "")
		return
	}

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid review", err)
		return
	}
	decision, err := review.ParseDecision(req.Decision)
	if err != nil {
		s.respondError(c, err)
		return
	}

	rev, err := s.results.RecordReview(c.Request.Context(), s.reviews, req.GroupID, decision, req.Reviewer, req.Notes)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

// handleListReviews pages through recorded review decisions
func (s *Server) handleListReviews(c *gin.Context) {
	if s.reviews == nil {
		s.abort(c, http.StatusServiceUnavailable, domain.ErrCodeStorage, "review store not configured", "")
		return
	}
	limit, offset, err := pagination(c)
	if err != nil {
		s.badRequest(c, "invalid pagination", err)
		return
	}
	var decision review.Decision
	if v := c.Query("decision"); v != "" {
		if decision, err = review.ParseDecision(v); err != nil {
			s.respondError(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	reviews, err := s.reviews.List(ctx, decision, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	total, err := s.reviews.Count(ctx, decision)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":   total,
		"reviews": reviews,
	})
}

// handleGetReview returns the review of one group
func (s *Server) handleGetReview(c *gin.Context) {
	if s.reviews == nil {
		s.abort(c, http.StatusServiceUnavailable, domain.ErrCodeStorage, "review store not configured", "")
		return
	}
	rev, err := s.reviews.Get(c.Request.Context(), c.Param("group"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}
