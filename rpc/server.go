package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	"github.com/spooky-finn/go-marketbook/usecase"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName                = "marketbook.MarketData"
	getOrderBookSnapshotMethod = "/" + serviceName + "/GetOrderBookSnapshot"
	streamTopOfBookMethod      = "/" + serviceName + "/StreamTopOfBook"
)

// MarketDataServer is served without generated stubs, requests and responses are
// google.protobuf.Struct messages.
type MarketDataServer interface {
	GetOrderBookSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	StreamTopOfBook(in *structpb.Struct, stream grpc.ServerStream) error
}

var MarketDataServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MarketDataServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetOrderBookSnapshot",
			Handler:    getOrderBookSnapshotHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTopOfBook",
			Handler:       streamTopOfBookHandler,
			ServerStreams: true,
		},
	},
	Metadata: "marketbook.proto",
}

func getOrderBookSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketDataServer).GetOrderBookSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getOrderBookSnapshotMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MarketDataServer).GetOrderBookSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamTopOfBookHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MarketDataServer).StreamTopOfBook(in, stream)
}

type server struct {
	orderbookSnapshotUseCase *usecase.OrderBookSnapshotUseCase
	validationService        *ValidationService
	books                    *hub.Hub[*domain.OrderBook]
	logger                   *zap.Logger
}

// NewServer builds the service implementation. books may be nil, then StreamTopOfBook
// is unavailable.
func NewServer(
	snapshots *usecase.OrderBookSnapshotUseCase,
	conf *ValidationServiceConfig,
	books *hub.Hub[*domain.OrderBook],
	logger *zap.Logger,
) *server {
	return &server{
		orderbookSnapshotUseCase: snapshots,
		validationService:        NewValidationService(conf),
		books:                    books,
		logger:                   logger.Named("rpc"),
	}
}

// Server runs the grpc listener.
type Server struct {
	addr       string
	grpcServer *grpc.Server
	logger     *zap.Logger
}

func NewGRPCServer(addr string, impl MarketDataServer, logger *zap.Logger) *Server {
	logger = logger.Named("grpc-server")
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpcServer.RegisterService(&MarketDataServiceDesc, impl)
	return &Server{
		addr:       addr,
		grpcServer: grpcServer,
		logger:     logger,
	}
}

// Serve blocks on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc server listening", zap.String("addr", s.addr))
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.Stop()
		return <-errCh
	}
}

// Stop waits up to 3s for running calls before closing them.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.grpcServer.Stop()
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		if err != nil {
			logger.Debug("call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("call served", fields...)
		}
		return resp, err
	}
}
