package health

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// OverallService is the gRPC health service name covering the whole gateway
const OverallService = ""

// GRPCPublisher mirrors provider verdicts into a gRPC health server so that
// orchestrators can watch them with the standard health protocol. Each
// provider key is a service name, e.g. "stt:sarvam".
type GRPCPublisher struct {
	server *health.Server
}

// NewGRPCPublisher wraps a gRPC health server
func NewGRPCPublisher(server *health.Server) *GRPCPublisher {
	server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_SERVING)
	return &GRPCPublisher{server: server}
}

// Publish sets the serving status for one provider key
func (p *GRPCPublisher) Publish(key string, healthy bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
	}
	p.server.SetServingStatus(key, status)
}

// Shutdown marks every service as not serving
func (p *GRPCPublisher) Shutdown() {
	p.server.Shutdown()
}
