package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"genrelay/config"
	"genrelay/event"
	"genrelay/relay"
	"genrelay/upstream"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type Handler struct {
	client *upstream.Client
	cfg    *config.Config
}

func NewHandler(client *upstream.Client, cfg *config.Config) *Handler {
	return &Handler{
		client: client,
		cfg:    cfg,
	}
}

type JobParams struct {
	Topic string   `json:"topic" binding:"required"`
	Kinds []string `json:"kinds" binding:"required"`
}

// handleCreateJob creates a job upstream. The credential is checked
// locally first so a missing login never costs an upstream round-trip,
// and an upstream 401 is remapped so the caller can prompt re-login
// instead of retrying blindly.
func (h *Handler) handleCreateJob(c *gin.Context) {
	cred, ok := credential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":      "authentication required",
			"error_code": event.CodeAuthRequired,
		})
		return
	}

	var params JobParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      err.Error(),
			"error_code": event.CodeValidation,
		})
		return
	}
	for _, kind := range params.Kinds {
		if !upstream.ValidKind(kind) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      "unsupported job kind: " + kind,
				"error_code": event.CodeValidation,
			})
			return
		}
	}

	jobID, err := h.client.CreateJob(c.Request.Context(), cred, upstream.JobRequest{
		Topic: params.Topic,
		Kinds: params.Kinds,
	})
	if err != nil {
		if errors.Is(err, upstream.ErrAuthInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":      "authentication failed, please re-authenticate",
				"error_code": event.CodeAuthInvalid,
			})
			return
		}
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			// Upstream validation failures pass through verbatim.
			forwardStatusError(c, statusErr)
			return
		}
		log.Printf("create job failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create job", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// handleStreamJob opens the upstream event stream for a job and relays
// it. The context deadline set here is the hard ceiling on total job
// duration; it also aborts the upstream read once expired.
func (h *Handler) handleStreamJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	cred, ok := credential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":      "authentication required",
			"error_code": event.CodeAuthRequired,
		})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.StreamDeadline)
	defer cancel()

	resp, err := h.client.OpenStream(streamCtx, cred, jobID)
	if err != nil {
		if errors.Is(err, upstream.ErrAuthInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":      "authentication failed, please re-authenticate",
				"error_code": event.CodeAuthInvalid,
			})
			return
		}
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			// Upstream refused before streaming began: forward status
			// and body as the terminal answer.
			forwardStatusError(c, statusErr)
			return
		}
		log.Printf("opening stream for job %d failed: %v", jobID, err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "failed to open upstream stream",
			"error_code": event.CodeStreamError,
		})
		return
	}

	rl, err := relay.New(c.Writer, h.cfg.HeartbeatInterval, h.cfg.MaxFrameSize)
	if err != nil {
		resp.Body.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Printf("[stream %s] relaying job %d", rl.ID(), jobID)
	rl.Run(streamCtx, resp.Body)
}

// handleCancelJob forwards a cancellation upstream and returns the
// upstream result verbatim. Callers treat any failure here as soft.
func (h *Handler) handleCancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	cred, ok := credential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":      "authentication required",
			"error_code": event.CodeAuthRequired,
		})
		return
	}

	status, body, err := h.client.CancelJob(c.Request.Context(), cred, jobID)
	if err != nil {
		log.Printf("cancel for job %d failed: %v", jobID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "cancel call failed", "details": err.Error()})
		return
	}
	c.Data(status, "application/json", body)
}

// jobID validates the path parameter as a well-formed positive integer
// before anything is forwarded upstream.
// forwardStatusError replays an upstream refusal downstream with the
// upstream's own content type when it set one.
func forwardStatusError(c *gin.Context, e *upstream.StatusError) {
	contentType := e.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(e.StatusCode, contentType, []byte(e.Body))
}

func (h *Handler) jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("jobId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "job id must be a positive integer",
			"error_code": event.CodeValidation,
		})
		return 0, false
	}
	return id, true
}

// handleHealth reports liveness plus a host resource snapshot.
func (h *Handler) handleHealth(c *gin.Context) {
	health := gin.H{"status": "ok"}

	if percents, err := cpu.Percent(0, false); err != nil {
		log.Printf("Warning: could not get CPU usage: %v", err)
	} else if len(percents) > 0 {
		health["cpu_percent"] = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		log.Printf("Warning: could not get memory usage: %v", err)
	} else {
		health["mem_available"] = vm.Available
	}

	if d, err := disk.Usage("/"); err != nil {
		log.Printf("Warning: could not get disk usage: %v", err)
	} else {
		health["disk_free"] = d.Free
	}

	c.JSON(http.StatusOK, health)
}
