package server

import (
	"context"
	"net"

	"github.com/setavenger/blindbit-indexer/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// NewHealthServer reports NOT_SERVING until synced is closed.
func NewHealthServer(ctx context.Context, synced <-chan struct{}) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	go func() {
		select {
		case <-synced:
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			logging.L.Info().Msg("health status serving")
		case <-ctx.Done():
		}
	}()
	return hs
}

func RunGRPCServer(ctx context.Context, host string, synced <-chan struct{}) error {
	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, NewHealthServer(ctx, synced))

	// Enable reflection for debugging (optional)
	reflection.Register(grpcServer)

	// Create listener for gRPC
	lis, err := net.Listen("tcp", host)
	if err != nil {
		logging.L.Err(err).Msg("failed to listen for gRPC")
		return err
	}

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	logging.L.Info().Msgf("Starting gRPC server on host %s", host)
	if err := grpcServer.Serve(lis); err != nil {
		logging.L.Err(err).Msg("failed to serve gRPC")
		return err
	}
	return nil
}
