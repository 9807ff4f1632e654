package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joejoethish/ecom-sub017/internal/migration"
	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

// RunLauncher builds a fully wired orchestrator for a new run. The handler
// owns registering it and driving Run in the background.
type RunLauncher func() (*migration.Orchestrator, error)

type MigrationHandler struct {
	registry *migration.RunRegistry
	launch   RunLauncher
	log      *logger.Logger
}

func NewMigrationHandler(registry *migration.RunRegistry, launch RunLauncher, baseLog *logger.Logger) *MigrationHandler {
	return &MigrationHandler{
		registry: registry,
		launch:   launch,
		log:      baseLog.With("handler", "MigrationHandler"),
	}
}

// POST /api/migrations
func (h *MigrationHandler) StartMigration(c *gin.Context) {
	o, err := h.launch()
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "launch_failed", err)
		return
	}
	h.registry.Add(o)

	go func() {
		if err := o.Run(context.Background()); err != nil {
			h.log.Error("migration run failed", "run_id", o.ID().String(), "error", err)
		}
	}()

	m, _ := o.Status()
	c.JSON(http.StatusAccepted, gin.H{"run": m})
}

// GET /api/migrations
func (h *MigrationHandler) ListMigrations(c *gin.Context) {
	runs := h.registry.List()
	out := make([]migration.Metrics, 0, len(runs))
	for _, o := range runs {
		m, _ := o.Status()
		out = append(out, m)
	}
	RespondOK(c, gin.H{"runs": out})
}

// GET /api/migrations/:id
func (h *MigrationHandler) GetMigration(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}
	m, checkpoints := o.Status()
	RespondOK(c, gin.H{
		"run":         m,
		"checkpoints": checkpoints,
	})
}

// GET /api/migrations/:id/positions
func (h *MigrationHandler) GetPositions(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}
	RespondOK(c, gin.H{"positions": o.Positions()})
}

// POST /api/migrations/:id/rollback
func (h *MigrationHandler) TriggerRollback(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional; a bare POST rolls back with a generic reason.
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator requested rollback"
	}

	if err := o.TriggerRollback(body.Reason); err != nil {
		RespondError(c, http.StatusConflict, "rollback_rejected", err)
		return
	}
	m, _ := o.Status()
	RespondOK(c, gin.H{"run": m})
}

func (h *MigrationHandler) lookup(c *gin.Context) (*migration.Orchestrator, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return nil, false
	}
	o, ok := h.registry.Get(id)
	if !ok {
		RespondError(c, http.StatusNotFound, "run_not_found", fmt.Errorf("no run with id %s", id))
		return nil, false
	}
	return o, true
}
