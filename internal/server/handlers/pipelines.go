package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// PipelineHandler exposes the live pipeline registry
type PipelineHandler struct {
	registry *pipeline.Registry
}

func NewPipelineHandler(registry *pipeline.Registry) *PipelineHandler {
	return &PipelineHandler{registry: registry}
}

// PipelineView is the JSON shape of a pipeline
type PipelineView struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Pending   string        `json:"pending,omitempty"`
	Clock     string        `json:"clock,omitempty"`
	BaseTime  int64         `json:"base_time_ns"`
	LatencyMs int64         `json:"latency_ms"`
	Elements  []ElementView `json:"elements,omitempty"`
}

// ElementView is the JSON shape of an element
type ElementView struct {
	Name    string `json:"name"`
	Factory string `json:"factory"`
	Pads    int    `json:"pads"`
}

func viewPipeline(p *pipeline.Pipeline, withElements bool) PipelineView {
	cur, pending := p.State()
	v := PipelineView{
		ID:        p.ID(),
		Name:      p.Name(),
		State:     cur.String(),
		BaseTime:  p.BaseTime().Nanoseconds(),
		LatencyMs: p.Latency().Milliseconds(),
	}
	if pending != pipeline.StateVoid {
		v.Pending = pending.String()
	}
	if c := p.Clock(); c != nil {
		v.Clock = c.ID()
	}
	if withElements {
		for _, el := range p.Elements() {
			v.Elements = append(v.Elements, ElementView{
				Name:    el.Name(),
				Factory: el.Factory(),
				Pads:    len(el.Pads()),
			})
		}
	}
	return v
}

// ListPipelines lists every pipeline above NULL
func (h *PipelineHandler) ListPipelines(c *gin.Context) {
	live := h.registry.Live()
	out := make([]PipelineView, 0, len(live))
	for _, p := range live {
		out = append(out, viewPipeline(p, false))
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": out, "count": len(out)})
}

// GetPipeline returns one pipeline by ID or name, with its elements
func (h *PipelineHandler) GetPipeline(c *gin.Context) {
	id := c.Param("id")
	for _, p := range h.registry.Live() {
		if p.ID() == id || p.Name() == id {
			c.JSON(http.StatusOK, viewPipeline(p, true))
			return
		}
	}
	apperrors.Respond(c, "get_pipeline",
		apperrors.New(apperrors.KindValidation, "get_pipeline", apperrors.ErrNotFound).WithDetail("pipeline", id))
}
