package telemetry

import (
	"net/http"

	"drippyd/internal/modules/telemetry/controller"
	"drippyd/internal/modules/telemetry/service"
)

func RegisterFeature(mux *http.ServeMux, svc *service.Service) {
	telemetryController := controller.NewTelemetryController(svc)
	telemetryController.RegisterRoutes(mux)
}
