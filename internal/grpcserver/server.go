package grpcserver

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/bloodgroup/internal/classifierrpc"
	"github.com/example/bloodgroup/internal/imageprocessor"
	"github.com/example/bloodgroup/internal/inference"
	"github.com/example/bloodgroup/internal/logging"
)

// Classifier is the in-process prediction service exposed over gRPC.
type Classifier interface {
	Classify(ctx context.Context, imageBytes []byte) (inference.Result, error)
	ModelID() string
}

// Server implements the bloodgroup.v1.Classifier service.
type Server struct {
	classifier Classifier
	logger     *zap.Logger
}

// NewServer wraps classifier for registration on a grpc.Server.
func NewServer(classifier Classifier, logger *zap.Logger) *Server {
	return &Server{classifier: classifier, logger: logger.Named("grpcserver")}
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Classify runs a prediction. Undecodable images map to InvalidArgument.
func (s *Server) Classify(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	result, err := s.classifier.Classify(ctx, in.GetValue())
	if err != nil {
		var decodeErr *imageprocessor.DecodeError
		if errors.As(err, &decodeErr) {
			return nil, status.Error(codes.InvalidArgument, decodeErr.Error())
		}
		wrapped := logging.NewOperationError("grpcserver.classify", "", err)
		s.logger.Error("classification failed", zap.Error(wrapped))
		return nil, status.Error(codes.Internal, "classification failed")
	}
	return classifierrpc.EncodeResult(result), nil
}

// ModelID reports the fingerprint of the loaded weights.
func (s *Server) ModelID(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.classifier.ModelID()), nil
}

type classifierServer interface {
	Classify(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	ModelID(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: classifierrpc.ServiceName,
	HandlerType: (*classifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: classifierrpc.ClassifyMethod, Handler: classifyHandler},
		{MethodName: classifierrpc.ModelIDMethod, Handler: modelIDHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bloodgroup/v1/classifier.proto",
}

func classifyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(classifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifierrpc.ClassifyFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(classifierServer).Classify(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func modelIDHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(classifierServer).ModelID(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifierrpc.ModelIDFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(classifierServer).ModelID(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
