package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crewforge/crewforge/pkg/models"
	"github.com/crewforge/crewforge/pkg/orchestrator"
	"github.com/crewforge/crewforge/pkg/parallel"
	"github.com/crewforge/crewforge/pkg/workflow"
)

func (s *Server) submitRequirement(c *gin.Context) {
	var req orchestrator.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.orch.SubmitRequirement(c.Request.Context(), actor(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

type createTeamRequest struct {
	Name        string `json:"name"`
	ProjectType string `json:"project_type"`
}

func (s *Server) createTeam(c *gin.Context) {
	var req createTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tm, err := s.orch.Teams.CreateTeam(c.Request.Context(), actor(c), req.Name, req.ProjectType)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.orch.Teams.InitializeStandardRoles(c.Request.Context(), tm.ID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tm)
}

func (s *Server) listTeams(c *gin.Context) {
	teams, err := s.orch.Store().Teams().List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams})
}

func (s *Server) getTeam(c *gin.Context) {
	tm, err := s.orch.Store().Teams().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	members, err := s.orch.Store().Members().ListByTeam(c.Request.Context(), tm.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team": tm, "members": members})
}

func (s *Server) teamHealth(c *gin.Context) {
	h, err := s.orch.Scores.AnalyzeTeamHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

type addMemberRequest struct {
	PersonaID    string `json:"persona_id"`
	RoleID       string `json:"role_id"`
	CurrentPhase string `json:"current_phase"`
}

func (s *Server) addMember(c *gin.Context) {
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	member, briefing, err := s.orch.Teams.AddMemberWithBriefing(
		c.Request.Context(), actor(c), c.Param("id"), req.PersonaID, req.RoleID, req.CurrentPhase)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"member": member, "briefing": briefing})
}

func (s *Server) retireMember(c *gin.Context) {
	handoff, err := s.orch.Teams.RetireMemberWithHandoff(
		c.Request.Context(), actor(c), c.Param("id"), c.Param("agent"), c.Query("successor"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handoff": handoff})
}

func (s *Server) scoreMember(c *gin.Context) {
	score, err := s.orch.Scores.ScoreMember(c.Request.Context(), c.Param("id"), c.Param("agent"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

type roleRequest struct {
	// Action is assign, reassign or unassign.
	Action  string `json:"action"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) mutateRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	teamID, roleID := c.Param("id"), c.Param("role")

	var err error
	switch req.Action {
	case "assign":
		err = s.orch.Teams.AssignAgentToRole(ctx, actor(c), teamID, roleID, req.AgentID, req.Reason)
	case "reassign":
		err = s.orch.Teams.ReassignRole(ctx, actor(c), teamID, roleID, req.AgentID, req.Reason)
	case "unassign":
		err = s.orch.Teams.UnassignRole(ctx, actor(c), teamID, roleID, req.Reason)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be assign, reassign or unassign"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role_id": roleID, "action": req.Action})
}

type startStreamsRequest struct {
	MVDRef  string                `json:"mvd_ref"`
	Streams []parallel.StreamSpec `json:"streams"`
}

func (s *Server) startStreams(c *gin.Context) {
	var req startStreamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, streams, err := s.orch.Streams.StartParallelWorkStreams(
		c.Request.Context(), actor(c), c.Param("id"), req.MVDRef, req.Streams)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session, "streams": streams})
}

type triggerConvergenceRequest struct {
	TriggerType  string   `json:"trigger_type"`
	Description  string   `json:"description"`
	ConflictIDs  []string `json:"conflict_ids"`
	Participants []string `json:"participants,omitempty"`
}

func (s *Server) triggerConvergence(c *gin.Context) {
	var req triggerConvergenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.orch.Streams.TriggerConvergence(
		c.Request.Context(), actor(c), c.Param("id"),
		req.TriggerType, req.Description, req.ConflictIDs, req.Participants)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

type completeConvergenceRequest struct {
	Decisions        []models.ConvergenceDecision `json:"decisions"`
	ArtifactsUpdated []models.ArtifactRef         `json:"artifacts_updated,omitempty"`
	ReworkHours      float64                      `json:"rework_hours"`
}

func (s *Server) completeConvergence(c *gin.Context) {
	var req completeConvergenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.orch.Streams.CompleteConvergence(
		c.Request.Context(), actor(c), c.Param("id"),
		req.Decisions, req.ArtifactsUpdated, req.ReworkHours)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) parallelMetrics(c *gin.Context) {
	report, err := s.orch.Streams.Metrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type runWorkflowRequest struct {
	TeamID                string `json:"team_id"`
	Spec                  string `json:"spec"`
	FailOnValidationError bool   `json:"fail_on_validation_error"`
}

func (s *Server) runWorkflow(c *gin.Context) {
	var req runWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wf, result, err := s.orch.RunWorkflow(c.Request.Context(), req.TeamID, []byte(req.Spec), workflow.ExecuteOptions{
		GlobalContext:         map[string]any{"team_id": req.TeamID},
		FailOnValidationError: req.FailOnValidationError,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow": wf, "result": result})
}

func (s *Server) resumeWorkflow(c *gin.Context) {
	result, err := s.orch.ResumeWorkflow(c.Request.Context(), c.Param("id"), workflow.ExecuteOptions{})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	wf, err := s.orch.Store().Workflows().GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	nodes, err := s.orch.Store().Workflows().ListNodes(ctx, wf.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf, "nodes": nodes})
}

func (s *Server) historyMetrics(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "0"))
	m, err := s.orch.History.Metrics(c.Request.Context(), c.Query("task"), days)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) historyInsights(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "0"))
	insights, err := s.orch.History.Insights(c.Request.Context(), days)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": insights})
}
