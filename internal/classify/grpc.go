package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/guardiansms/internal/model"
)

const (
	serviceName    = "guardiansms.classify.v1.Classifier"
	classifyMethod = "/" + serviceName + "/Classify"
)

// classifierServer is the handler type of the Classifier service. Requests
// and replies are structpb.Struct so no generated code is needed.
type classifierServer interface {
	Classify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*classifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "guardiansms/classify/v1/classify.proto",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(classifierServer).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(classifierServer).Classify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterServer exposes c as the Classifier service on s.
func RegisterServer(s *grpc.Server, c Classifier) {
	s.RegisterService(&serviceDesc, &grpcServer{c: c})
}

// Serve registers c on a new gRPC server and serves lis until it fails or
// ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, c Classifier) error {
	s := grpc.NewServer()
	RegisterServer(s, c)
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

type grpcServer struct {
	c Classifier
}

func (s *grpcServer) Classify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := messageFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	v, err := s.c.Classify(ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrClassifierUnavailable):
			return nil, status.Error(codes.Unavailable, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	if v.MessageID == "" {
		v.MessageID = msg.ID
	}
	return verdictToStruct(v)
}

// GRPC classifies messages through a remote Classifier service.
type GRPC struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a client for the service at addr. The connection is
// established lazily; an unreachable server surfaces on Classify as
// model.ErrClassifierUnavailable.
func DialGRPC(addr string) (*GRPC, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to classifier: %w", err)
	}
	return &GRPC{conn: conn}, nil
}

// Classify sends msg to the remote classifier.
func (c *GRPC) Classify(ctx context.Context, msg model.InboundMessage) (model.Verdict, error) {
	req, err := messageToStruct(msg)
	if err != nil {
		return model.Verdict{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, classifyMethod, req, out); err != nil {
		switch status.Code(err) {
		case codes.Unavailable:
			return model.Verdict{}, fmt.Errorf("%w: %v", model.ErrClassifierUnavailable, err)
		case codes.DeadlineExceeded:
			return model.Verdict{}, fmt.Errorf("classify %s: %w", msg.ID, context.DeadlineExceeded)
		}
		return model.Verdict{}, fmt.Errorf("classify %s: %w", msg.ID, err)
	}
	return verdictFromStruct(out)
}

// Close closes the connection.
func (c *GRPC) Close() error {
	return c.conn.Close()
}

func messageToStruct(msg model.InboundMessage) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"id":        msg.ID,
		"sender":    msg.Sender,
		"body":      msg.Body,
		"timestamp": msg.ReceivedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

func messageFromStruct(s *structpb.Struct) (model.InboundMessage, error) {
	f := s.GetFields()
	id := f["id"].GetStringValue()
	if id == "" {
		return model.InboundMessage{}, fmt.Errorf("message id is required")
	}
	return model.InboundMessage{
		ID:         id,
		Sender:     f["sender"].GetStringValue(),
		Body:       f["body"].GetStringValue(),
		ReceivedAt: time.UnixMilli(int64(f["timestamp"].GetNumberValue())),
	}, nil
}

func verdictToStruct(v model.Verdict) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"message_id": v.MessageID,
		"is_threat":  v.IsThreat,
		"risk_score": v.RiskScore,
		"rationale":  v.Rationale,
	})
	if err != nil {
		return nil, fmt.Errorf("encode verdict: %w", err)
	}
	return s, nil
}

func verdictFromStruct(s *structpb.Struct) (model.Verdict, error) {
	f := s.GetFields()
	score := f["risk_score"].GetNumberValue()
	if math.IsNaN(score) {
		return model.Verdict{}, fmt.Errorf("invalid risk score")
	}
	return model.Verdict{
		MessageID: f["message_id"].GetStringValue(),
		IsThreat:  f["is_threat"].GetBoolValue(),
		RiskScore: int(math.Round(score)),
		Rationale: f["rationale"].GetStringValue(),
	}, nil
}
