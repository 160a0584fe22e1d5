package api

import (
	"encoding/csv"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mwd-monitor-backend/internal/store"
)

func directionalLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		limit = 0
	}
	return store.ClampDirectionalLimit(limit)
}

// GetIncAzmLog returns the newest directional log entries, oldest first.
func (h *Handler) GetIncAzmLog(c *gin.Context) {
	items := h.store.ReadDirectional(c.Request.Context(), directionalLimit(c))
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetIncAzmCSV is GetIncAzmLog as a ts,name,value CSV download.
func (h *Handler) GetIncAzmCSV(c *gin.Context) {
	items := h.store.ReadDirectional(c.Request.Context(), directionalLimit(c))

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="incazm_log.csv"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"ts", "name", "value"})
	for _, it := range items {
		w.Write([]string{
			strconv.FormatFloat(it.TS, 'f', 3, 64),
			it.Name,
			strconv.FormatFloat(it.Value, 'f', -1, 64),
		})
	}
	w.Flush()
}
