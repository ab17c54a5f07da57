package telemetry

import (
	"drippyd/internal/modules/telemetry/service"
)

// MQTTSubscriber interface for attaching message handlers
type MQTTSubscriber interface {
	SetMessageHandler(handler func(topic string, payload []byte))
}

// RegisterMQTTHandler routes every received broker message into the
// ingestion pipeline. Decode errors, duplicates, and storage failures are
// all handled (and logged) inside Ingest.
func RegisterMQTTHandler(subscriber MQTTSubscriber, svc *service.Service) {
	subscriber.SetMessageHandler(svc.Ingest)
}
