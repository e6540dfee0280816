// Package grpcapi serves forecasts over gRPC.
//
// The service gridcast.forecast.v1.Forecaster has a single unary method,
// Forecast. Request and response are google.protobuf.Struct values carrying
// the same JSON documents as the HTTP API, so no generated code is needed.
package grpcapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/gridcast/pkg/api"
	"github.com/HatiCode/gridcast/pkg/ensemble"
	"github.com/HatiCode/gridcast/pkg/tenants"
)

const (
	ServiceName    = "gridcast.forecast.v1.Forecaster"
	ForecastMethod = "/" + ServiceName + "/Forecast"
)

// Forecaster is the backend the server delegates to.
type Forecaster interface {
	Forecast(ctx context.Context, req api.ForecastRequest) (*ensemble.Result, error)
}

// ForecasterServer is the server API of the service.
type ForecasterServer interface {
	Forecast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Forecaster service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ForecasterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forecast", Handler: forecastHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridcast/forecast/v1/forecaster.proto",
}

func forecastHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ForecasterServer).Forecast(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ForecastMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ForecasterServer).Forecast(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server adapts a Forecaster to ForecasterServer.
type Server struct {
	backend Forecaster
	logger  *slog.Logger
}

// NewServer creates a Server.
func NewServer(backend Forecaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger}
}

// Forecast implements ForecasterServer.
func (s *Server) Forecast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.ForecastRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	res, err := s.backend.Forecast(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := toStruct(res)
	if err != nil {
		s.logger.Error("failed to encode forecast", "tenant", res.Tenant, "error", err)
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// Register adds the Forecaster service and a health service reporting
// SERVING for it to gs. The returned health server lets callers flip the
// status on shutdown.
func Register(gs *grpc.Server, srv ForecasterServer) *health.Server {
	gs.RegisterService(&ServiceDesc, srv)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return hs
}

// LoggingInterceptor logs each unary call with its status code and duration.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("gRPC request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ensemble.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, tenants.ErrUnknownTenant):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
