package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/pipeline"
	"github.com/squadron-hq/squadron/pkg/registry"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 200
)

func (s *Server) listPipelines(c *gin.Context) {
	defs := s.defs.All()
	infos := make([]models.PipelineInfo, 0, len(defs))
	for _, def := range defs {
		info := models.PipelineInfo{
			Name:        def.Name,
			Description: def.Description,
			Scope:       string(def.Scope),
			SubPipeline: def.IsSubPipeline(),
		}
		if def.Trigger != nil {
			info.TriggerEvent = def.Trigger.Event
		}
		for _, st := range def.Stages {
			info.StageIDs = append(info.StageIDs, st.ID)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	c.JSON(http.StatusOK, gin.H{"pipelines": infos})
}

func (s *Server) listRuns(c *gin.Context) {
	params := models.ListRunsParams{
		Limit:        queryInt(c, "limit", defaultRunsLimit),
		Offset:       queryInt(c, "offset", 0),
		Status:       c.Query("status"),
		PipelineName: c.Query("pipeline"),
		PRNumber:     queryInt(c, "pr", 0),
		IssueNumber:  queryInt(c, "issue", 0),
	}
	if params.Limit <= 0 || params.Limit > maxRunsLimit {
		params.Limit = defaultRunsLimit
	}

	runs, total, err := s.store.ListRuns(c.Request.Context(), params)
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	result := models.RunListResult{
		Runs:   make([]models.PipelineRunSummary, 0, len(runs)),
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	}
	for _, run := range runs {
		result.Runs = append(result.Runs, runSummary(run))
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.store.GetRun(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	stageRuns, err := s.store.ListStageRuns(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stage runs"})
		return
	}
	children, err := s.store.ChildRuns(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load child runs"})
		return
	}
	childByStage := map[string]string{}
	for _, child := range children {
		childByStage[child.ParentStageID] = child.ID
	}

	detail := models.PipelineRunDetail{PipelineRunSummary: runSummary(run)}
	for _, sr := range stageRuns {
		view := models.StageRunView{
			StageID:            sr.StageID,
			AttemptNumber:      sr.AttemptNumber,
			Status:             string(sr.Status),
			AgentID:            sr.AgentID,
			BranchID:           sr.BranchKey,
			ChildPipelineRunID: childByStage[sr.StageID],
			Outputs:            sr.Output,
			ErrorMessage:       sr.Error,
			StartedAt:          &sr.StartedAt,
			CompletedAt:        sr.CompletedAt,
		}
		if sr.StageType == "gate" {
			// Best effort; a run with no checks just shows none.
			view.GateChecks, _ = s.store.ListGateChecks(ctx, sr.ID)
		}
		detail.Stages = append(detail.Stages, view)
	}
	for _, child := range children {
		detail.Children = append(detail.Children, runSummary(child))
	}

	// Stage-produced PRs beyond the scope PR, best effort.
	if assocs, err := s.store.AssociatedPRs(ctx, run.ID); err == nil {
		for _, a := range assocs {
			detail.AssociatedPRs = append(detail.AssociatedPRs, a.PRNumber)
		}
	}
	if run.Scope == string(config.ScopeMultiPR) {
		detail.Sequence, _ = s.store.SequenceForRun(ctx, run.ID)
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) cancelRun(c *gin.Context) {
	err := s.engine.Cancel(c.Request.Context(), c.Param("id"), "cancelled via API")
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, pipeline.ErrRunNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Cancel failed", "run_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
	}
}

func runSummary(run *models.PipelineRun) models.PipelineRunSummary {
	return models.PipelineRunSummary{
		RunID:          run.ID,
		PipelineName:   run.PipelineName,
		Scope:          run.Scope,
		Status:         string(run.Status),
		CurrentStageID: run.CurrentStageID,
		IssueNumber:    run.IssueNumber,
		PRNumber:       run.PRNumber,
		ParentRunID:    run.ParentRunID,
		CreatedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		ErrorMessage:   run.Error,
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
