package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"forward-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusSource reports live proxy state. It is satisfied by *proxy.Server.
type StatusSource interface {
	Addr() string
	InFlight() int64
	Logged() int64
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	proxy   StatusSource
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, src StatusSource) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, proxy: src}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	ListenAddr       string `json:"listen_addr"`
	InFlight         int64  `json:"in_flight"`
	AccessLogPath    string `json:"access_log_path"`
	AccessLogRecords int64  `json:"access_log_records"`
}

// Status returns proxy status information. Before the listener is bound
// the status is "starting".
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:           "ok",
		Version:          string(h.version),
		ListenAddr:       h.proxy.Addr(),
		InFlight:         h.proxy.InFlight(),
		AccessLogPath:    h.cfg.AccessLog.Path,
		AccessLogRecords: h.proxy.Logged(),
	}
	if resp.ListenAddr == "" {
		resp.Status = "starting"
	}
	return c.JSON(http.StatusOK, resp)
}
