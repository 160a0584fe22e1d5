package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/serialport"
)

// replicationView hides the collector key behind a flag.
type replicationView struct {
	URL             string  `json:"url"`
	APIKeySet       bool    `json:"api_key_set"`
	IntervalSeconds float64 `json:"interval_seconds"`
	TimeoutSeconds  float64 `json:"timeout_seconds"`
	HTTPProxy       string  `json:"http_proxy"`
}

type serialStatus struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type configResponse struct {
	Serial      config.SerialConfig  `json:"serial"`
	Decoder     config.DecoderConfig `json:"decoder"`
	Replication replicationView      `json:"replication"`
	Status      serialStatus         `json:"serial_status"`
}

var errBadConfigBody = errors.New("body must be a JSON object")

// configUpdate points into a config copy so a partial body only overwrites
// the fields it names.
type configUpdate struct {
	Serial      *config.SerialConfig      `json:"serial"`
	Decoder     *config.DecoderConfig     `json:"decoder"`
	Replication *config.ReplicationConfig `json:"replication"`
}

func (h *Handler) configResponse(cfg config.Config) configResponse {
	resp := configResponse{
		Serial:  cfg.Serial,
		Decoder: cfg.Decoder,
		Replication: replicationView{
			URL:             cfg.Replication.URL,
			APIKeySet:       cfg.Replication.APIKey != "",
			IntervalSeconds: cfg.Replication.Interval().Seconds(),
			TimeoutSeconds:  cfg.Replication.Timeout().Seconds(),
			HTTPProxy:       cfg.Replication.HTTPProxy,
		},
	}
	if h.serial != nil {
		resp.Status.Running = h.serial.Running()
		if err := h.serial.LastError(); err != nil {
			resp.Status.Error = err.Error()
		}
	}
	return resp
}

// GetConfig returns the operator-editable configuration.
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.configResponse(h.cfg.Get()))
}

// PostConfig merges the body into the configuration, persists it and
// restarts serial ingestion. A serial failure is reported in serial_status
// and does not fail the request.
func (h *Handler) PostConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "failed to read body"})
		return
	}

	next, err := h.cfg.Update(func(cfg *config.Config) error {
		update := configUpdate{
			Serial:      &cfg.Serial,
			Decoder:     &cfg.Decoder,
			Replication: &cfg.Replication,
		}
		if err := json.Unmarshal(body, &update); err != nil {
			return errBadConfigBody
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	h.decoder.SetConfig(next.Decoder)
	if h.serial != nil {
		if err := h.serial.Restart(next.Serial); err != nil && !errors.Is(err, serialport.ErrDisabled) {
			log.Printf("Serial restart after config update failed: %v", err)
		}
	}

	resp := h.configResponse(next)
	c.JSON(http.StatusOK, gin.H{"ok": true, "config": resp})
}

// GetSerialPorts lists the serial devices available for selection.
func (h *Handler) GetSerialPorts(c *gin.Context) {
	ports, err := h.listPorts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": ports})
}
