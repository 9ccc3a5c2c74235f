package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domain "github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/httpapi/reqctx"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
	"github.com/inkframe/workflow-engine/internal/workflowapi"
	"github.com/inkframe/workflow-engine/internal/workflowerr"
)

const defaultListLimit = 50

// Handler is the gin-facing 1:1 adapter over workflowapi.Service, grounded
// on the teacher's JobsHandler/JobService pairing: it never touches the
// orchestrator, registry, or store directly.
type Handler struct {
	svc workflowapi.Service
	log *logger.Logger
}

func NewHandler(svc workflowapi.Service, baseLog *logger.Logger) *Handler {
	return &Handler{svc: svc, log: baseLog.With("component", "WorkflowHandler")}
}

type startWorkflowRequest struct {
	ProjectID uuid.UUID      `json:"projectId"`
	Config    map[string]any `json:"config"`
}

// StartWorkflow decodes the config object into a map first and rejects any
// key outside domain.AllowedWorkflowConfigKeys before ever decoding into the
// typed domain.WorkflowConfig, per the redesign decision to police unknown
// config keys at the edge rather than inside executors.
func (h *Handler) StartWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	for key := range req.Config {
		if !domain.AllowedWorkflowConfigKeys[key] {
			RespondError(c, http.StatusBadRequest, string(workflowerr.SchemaMismatch), workflowerr.New(workflowerr.SchemaMismatch, "", "unknown config key: "+key))
			return
		}
	}

	raw, err := json.Marshal(req.Config)
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	var config domain.WorkflowConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}

	userID := reqctx.UserID(c.Request.Context())
	wf, err := h.svc.StartWorkflow(c.Request.Context(), req.ProjectID, userID, config)
	if err != nil {
		RespondWorkflowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow": wf})
}

func (h *Handler) GetWorkflow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	wf, err := h.svc.GetWorkflow(c.Request.Context(), id)
	if err != nil {
		RespondWorkflowError(c, err)
		return
	}
	RespondOK(c, gin.H{"workflow": wf})
}

func (h *Handler) CancelWorkflow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	if err := h.svc.CancelWorkflow(c.Request.Context(), id); err != nil {
		RespondWorkflowError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) RestartFailedWorkflow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	wf, err := h.svc.RestartFailedWorkflow(c.Request.Context(), id)
	if err != nil {
		RespondWorkflowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow": wf})
}

func (h *Handler) ListUserWorkflows(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	if userID != reqctx.UserID(c.Request.Context()) {
		RespondError(c, http.StatusForbidden, string(workflowerr.NotAuthorized), workflowerr.New(workflowerr.NotAuthorized, "", "cannot list another user's workflows"))
		return
	}
	workflows, err := h.svc.ListUserWorkflows(c.Request.Context(), userID, listLimit(c))
	if err != nil {
		RespondWorkflowError(c, err)
		return
	}
	RespondOK(c, gin.H{"workflows": workflows})
}

func (h *Handler) ListProjectWorkflows(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	workflows, err := h.svc.ListProjectWorkflows(c.Request.Context(), projectID, listLimit(c))
	if err != nil {
		RespondWorkflowError(c, err)
		return
	}
	RespondOK(c, gin.H{"workflows": workflows})
}

// StreamWorkflow relays Progress Bus events for a workflow (and, optionally,
// its project/user topics) as an SSE stream, grounded on the teacher's
// SSEHub.ServeHTTP heartbeat-plus-outbound-channel-replay shape.
func (h *Handler) StreamWorkflow(c *gin.Context) {
	workflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, string(workflowerr.InvalidInput), err)
		return
	}
	projectID, _ := uuid.Parse(c.Query("projectId"))
	userID := reqctx.UserID(c.Request.Context())

	sub := h.svc.Subscribe(workflowID, projectID, userID)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return false
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn("marshal sse event", "error", err)
				return true
			}
			c.SSEvent(evt.Event, string(payload))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func listLimit(c *gin.Context) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
