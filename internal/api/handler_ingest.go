package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mwd-monitor-backend/internal/collector"
	"mwd-monitor-backend/internal/store"
)

const maxIngestBody = 1 << 20

// PostIngest accepts a state payload pushed by a remote decoder.
func (h *Handler) PostIngest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody))
	if err != nil {
		h.metrics.Ingest("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "failed to read body"})
		return
	}
	payload, err := collector.Decode(body)
	if err != nil {
		h.metrics.Ingest("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	h.collector.Accept(c.Request.Context(), payload)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetState returns the last remotely collected payload, else the newest
// stored snapshot, else an empty object.
func (h *Handler) GetState(c *gin.Context) {
	if last, ok := h.collector.Last(); ok {
		c.JSON(http.StatusOK, last)
		return
	}
	if snap, ok := h.store.LatestSnapshot(c.Request.Context()); ok {
		c.JSON(http.StatusOK, snap)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// GetHistory returns the snapshots of the last ?hours= hours, oldest first.
// The window is clamped to [0, history max]; a missing or invalid value
// means the full window.
func (h *Handler) GetHistory(c *gin.Context) {
	maxWindow := h.cfg.Get().Database.MaxLookback()
	if maxWindow <= 0 {
		maxWindow = store.DefaultMaxLookback
	}

	hours := maxWindow.Hours()
	if raw, ok := c.GetQuery("hours"); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			// Clamp before converting so huge values cannot overflow a Duration.
			hours = max(0, min(maxWindow.Hours(), v))
		}
	}
	window := time.Duration(hours * float64(time.Hour))

	items := h.store.SnapshotsSince(c.Request.Context(), h.now().Add(-window))
	c.JSON(http.StatusOK, gin.H{"items": items})
}

var errNoLines = errors.New("lines must be a non-empty array of strings")

type postLinesRequest struct {
	Lines []string `json:"lines"`
}

// PostLines feeds a batch of raw protocol lines through the decoder as a
// single update.
func (h *Handler) PostLines(c *gin.Context) {
	var req postLinesRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": errNoLines.Error()})
		return
	}
	n := h.decoder.HandleLines(req.Lines)
	c.JSON(http.StatusOK, gin.H{"ok": true, "lines": len(req.Lines), "readings": n})
}

// GetDecoder returns the live decoder state.
func (h *Handler) GetDecoder(c *gin.Context) {
	c.JSON(http.StatusOK, h.decoder.Snapshot())
}
