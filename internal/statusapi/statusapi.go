// Package statusapi serves a small debug surface over the device
// context: device capabilities, pool counters and build information.
// It is read-only; nothing here mutates compute state.
package statusapi

import (
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/kilnml/kiln/internal/device"
	"github.com/kilnml/kiln/internal/version"
)

// Server exposes one device context.
type Server struct {
	ctx *device.Context
}

// NewServer wraps ctx for registration on an echo instance.
func NewServer(ctx *device.Context) *Server {
	return &Server{ctx: ctx}
}

// Register mounts the debug routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/devices/:id/pool", s.handlePool)
}

// Status is the full snapshot returned by /v1/status.
type Status struct {
	Version string            `json:"version"`
	Devices []device.Caps     `json:"devices"`
	Pools   []device.PoolStats `json:"pools"`
}

func (s *Server) snapshot() Status {
	st := Status{Version: version.String()}
	for i := 0; i < s.ctx.DeviceCount(); i++ {
		d := s.ctx.Device(i)
		st.Devices = append(st.Devices, d.Caps())
		st.Pools = append(st.Pools, d.PoolStats())
	}
	return st
}

func (s *Server) handleStatus(c *echo.Context) error {
	data, err := json.Marshal(s.snapshot())
	if err != nil {
		return err
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(http.StatusOK)
	_, err = res.Write(data)
	return err
}

func (s *Server) handleDevices(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.snapshot().Devices)
}

func (s *Server) handlePool(c *echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 || id >= s.ctx.DeviceCount() {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown device"})
	}
	return c.JSON(http.StatusOK, s.ctx.Device(id).PoolStats())
}
