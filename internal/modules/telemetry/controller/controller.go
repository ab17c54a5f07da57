package controller

import (
	"net/http"
	"time"

	"drippyd/internal/modules/telemetry/types"
)

// TelemetryService is the read surface the HTTP layer needs.
type TelemetryService interface {
	Snapshot(now time.Time) (types.Snapshot, error)
	Channels() ([]types.ChannelState, error)
	Readings(channel string, from, to time.Time, limit int) ([]types.Reading, error)
}

type TelemetryController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type telemetryControllerImpl struct {
	service TelemetryService
}

func NewTelemetryController(service TelemetryService) TelemetryController {
	return &telemetryControllerImpl{service: service}
}

func (c *telemetryControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/latest", c.handleLatest)
	mux.HandleFunc("GET /api/channels", c.handleChannels)
	mux.HandleFunc("GET /api/channels/{channel}/readings", c.handleReadings)
}
