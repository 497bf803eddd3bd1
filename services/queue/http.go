package queue

import (
	"errors"
	"net/http"
	"slices"

	"smallbiznis-jobqueue/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type HTTPHandler struct {
	svc *Service
}

func NewHTTPHandler(svc *Service) *HTTPHandler {
	return &HTTPHandler{svc: svc}
}

func (h *HTTPHandler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/jobs", h.Enqueue)
	v1.GET("/jobs", h.ListJobs)
	v1.GET("/jobs/:id", h.GetJob)
	v1.POST("/trigger", h.Trigger)
	v1.GET("/health", h.Health)
	v1.POST("/actions", h.Action)
	v1.GET("/settings/processing", h.GetProcessing)
	v1.PUT("/settings/processing", h.SetProcessing)
}

func (h *HTTPHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	job, err := h.svc.Enqueue(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": job.ID, "status": job.Status})
}

func (h *HTTPHandler) ListJobs(c *gin.Context) {
	var req ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	jobs, page, err := h.svc.ListJobs(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": jobs, "page_info": page})
}

func (h *HTTPHandler) GetJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, job)
}

type triggerQuery struct {
	BatchSize int    `form:"batch_size" binding:"omitempty,gte=1,lte=1000"`
	Source    string `form:"source"`
}

// Trigger runs the dispatcher synchronously, for cron callers and operators.
func (h *HTTPHandler) Trigger(c *gin.Context) {
	var q triggerQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	q.Source = NormalizeSource(q.Source, SourceHTTP)

	run, err := h.svc.RunOnce(c.Request.Context(), q.Source, q.BatchSize)
	if err != nil {
		_ = c.Error(withRunDetails(err, run))
		return
	}

	c.JSON(http.StatusOK, run)
}

// withRunDetails attaches the failed run summary so a trigger caller can find
// the run in the health report.
func withRunDetails(err error, run *WorkerRun) error {
	var be errutil.BaseError
	if run == nil || !errors.As(err, &be) {
		return err
	}

	details := []errutil.Detail{
		{Field: "run_id", Message: run.ID},
		{Field: "run_status", Message: string(run.Status)},
	}
	if run.Message != nil {
		details = append(details, errutil.Detail{Field: "run_message", Message: *run.Message})
	}
	be.Details = append(slices.Clone(be.Details), details...)
	return be
}

func (h *HTTPHandler) Health(c *gin.Context) {
	report, err := h.svc.GetHealth(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, report)
}

type actionRequest struct {
	JobID  string `json:"job_id"`
	Action Action `json:"action"`
}

func (h *HTTPHandler) Action(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res, err := h.svc.ApplyAction(c.Request.Context(), req.JobID, req.Action)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if res.Deleted {
		c.JSON(http.StatusOK, gin.H{"id": res.ID, "deleted": true})
		return
	}
	c.JSON(http.StatusOK, res.Job)
}

func (h *HTTPHandler) GetProcessing(c *gin.Context) {
	settings, err := h.svc.GetProcessing(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, settings)
}

type processingRequest struct {
	Enabled      *bool  `json:"enabled" binding:"required"`
	PausedReason string `json:"paused_reason"`
}

func (h *HTTPHandler) SetProcessing(c *gin.Context) {
	var req processingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	settings, err := h.svc.SetProcessing(c.Request.Context(), *req.Enabled, req.PausedReason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, settings)
}
