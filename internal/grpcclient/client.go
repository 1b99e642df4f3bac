package grpcclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/bloodgroup/internal/classifierrpc"
	"github.com/example/bloodgroup/internal/imageprocessor"
	"github.com/example/bloodgroup/internal/inference"
	"github.com/example/bloodgroup/internal/logging"
)

// Client classifies images on a remote bloodgroup.v1.Classifier service.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// DialClassifier returns a ready-to-use client for the classifier at addr.
// Extra options are appended to the insecure transport defaults.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	logger = logger.Named("grpcclient")
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(classifierrpc.MaxMessageSize)),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Classify implements the same contract as inference.Service.Classify. An
// InvalidArgument status becomes *imageprocessor.DecodeError.
func (c *Client) Classify(ctx context.Context, imageBytes []byte) (inference.Result, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, classifierrpc.ClassifyFullMethod, wrapperspb.Bytes(imageBytes), out); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return inference.Result{}, &imageprocessor.DecodeError{Err: errors.New(status.Convert(err).Message())}
		}
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		c.logger.Error("classifier call failed", zap.Error(wrapped))
		return inference.Result{}, wrapped
	}

	result, err := classifierrpc.DecodeResult(out)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.decode_result", "", err)
		c.logger.Error("classifier returned an invalid result", zap.Error(wrapped))
		return inference.Result{}, wrapped
	}
	return result, nil
}

// ModelID fetches the remote weights fingerprint.
func (c *Client) ModelID(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, classifierrpc.ModelIDFullMethod, &emptypb.Empty{}, out); err != nil {
		return "", logging.NewOperationError("grpcclient.model_id", "", err)
	}
	return out.GetValue(), nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
