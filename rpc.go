package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"pawnsim-server/internal/sim"
)

const (
	simulationServiceName = "updates.SimulationService"
	// Clients select the codec with grpc.CallContentSubtype(rpcCodecName).
	rpcCodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the simulation messages as JSON on the gRPC wire.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return rpcCodecName }

// GenericRequest is the empty request of SubscribeToSimulation.
type GenericRequest struct{}

// GenericResponse reports the outcome of a unary call.
type GenericResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// InstructionUpdate submits one instruction by wire tag.
type InstructionUpdate struct {
	Tag string `json:"tag"`
}

// SimulationServer is the server API for updates.SimulationService.
type SimulationServer interface {
	SubscribeToSimulation(*GenericRequest, UpdateStream) error
	SendInstruction(context.Context, *InstructionUpdate) (*GenericResponse, error)
}

// UpdateStream is the server side of SubscribeToSimulation.
type UpdateStream interface {
	Send(*UpdateMsg) error
	grpc.ServerStream
}

type updateStream struct {
	grpc.ServerStream
}

func (s *updateStream) Send(m *UpdateMsg) error { return s.ServerStream.SendMsg(m) }

var simulationServiceDesc = grpc.ServiceDesc{
	ServiceName: simulationServiceName,
	HandlerType: (*SimulationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendInstruction", Handler: sendInstructionHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SubscribeToSimulation", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "updates.proto",
}

func sendInstructionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InstructionUpdate)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulationServer).SendInstruction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + simulationServiceName + "/SendInstruction",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SimulationServer).SendInstruction(ctx, req.(*InstructionUpdate))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(GenericRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SimulationServer).SubscribeToSimulation(in, &updateStream{stream})
}

// SimulationService implements SimulationServer over the supervisor's
// current run.
type SimulationService struct {
	sup     *Supervisor
	auth    *ControlAuth
	journal *Journal
}

// NewSimulationService creates the gRPC service implementation.
func NewSimulationService(sup *Supervisor, auth *ControlAuth, journal *Journal) *SimulationService {
	return &SimulationService{sup: sup, auth: auth, journal: journal}
}

// SubscribeToSimulation streams every update of the current run. Lag is
// resynchronized; the stream ends with OK after the terminal update.
func (s *SimulationService) SubscribeToSimulation(_ *GenericRequest, stream UpdateStream) error {
	run := s.sup.Current()
	sub, err := run.Updates.Subscribe()
	if err != nil {
		return status.Error(codes.Unavailable, "simulation run has ended")
	}
	defer sub.Close()

	ctx := stream.Context()
	for {
		u, err := sub.Recv(ctx)
		var lag *sim.LaggedError
		switch {
		case errors.As(err, &lag):
			log.Printf("[rpc] subscriber lagged, skipped %d updates", lag.Skipped)
			s.journal.Track(EvtSubscriberLagged, run.ID, "", map[string]uint64{"skipped": lag.Skipped})
			continue
		case errors.Is(err, sim.ErrClosed):
			return nil
		case err != nil:
			return status.FromContextError(err).Err()
		}

		msg := ToWire(u)
		if err := stream.Send(&msg); err != nil {
			return err
		}
		if u.Terminal {
			return nil
		}
	}
}

// SendInstruction validates and enqueues one instruction.
func (s *SimulationService) SendInstruction(ctx context.Context, in *InstructionUpdate) (*GenericResponse, error) {
	run := s.sup.Current()
	if _, err := s.auth.Authorize(bearerToken(ctx)); err != nil {
		s.journal.Track(EvtInstructionRejected, run.ID, "", map[string]string{"code": ErrCodeUnauthorized})
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	ins, err := sim.ParseInstruction(in.Tag)
	if err != nil {
		s.journal.Track(EvtInstructionRejected, run.ID, "", map[string]string{"code": ErrCodeMalformed, "tag": in.Tag})
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !ins.Supported() {
		s.journal.Track(EvtInstructionRejected, run.ID, "", map[string]string{"code": ErrCodeNotImplemented, "tag": in.Tag})
		return nil, status.Error(codes.Unimplemented, fmt.Sprintf("%v: %s", sim.ErrNotImplemented, ins))
	}

	err = run.Queue.Enqueue(ctx, ins)
	switch {
	case err == nil:
		return &GenericResponse{OK: true, Message: "queued " + ins.String()}, nil
	case errors.Is(err, sim.ErrQueueFull):
		s.journal.Track(EvtInstructionRejected, run.ID, "", map[string]string{"code": ErrCodeQueueFull, "tag": in.Tag})
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, sim.ErrClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.FromContextError(err).Err()
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get("authorization"); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// RPCServer hosts the simulation gRPC API.
type RPCServer struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
}

// NewRPCServer listens on addr and registers the simulation and health
// services.
func NewRPCServer(addr string, svc SimulationServer) (*RPCServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpcServer.RegisterService(&simulationServiceDesc, svc)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(simulationServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &RPCServer{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
	}, nil
}

// Addr returns the listener address for the server.
func (s *RPCServer) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve starts the gRPC server until context cancellation.
func (s *RPCServer) Serve(ctx context.Context) error {
	log.Printf("[rpc] listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}
