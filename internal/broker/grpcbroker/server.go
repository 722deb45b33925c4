package grpcbroker

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	broker "github.com/hanpama/brokerql/internal/broker"
	reqid "github.com/hanpama/brokerql/internal/reqid"
)

type callServer interface {
	call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server answers Call RPCs from the actions of a broker on this node.
type Server struct {
	caller broker.Caller
}

// Register serves the actions reachable through caller on gs.
func Register(gs grpc.ServiceRegistrar, caller broker.Caller) *Server {
	s := &Server{caller: caller}
	gs.RegisterService(&serviceDesc, s)
	return s
}

// call never fails at the RPC level: action errors travel in the response
// so that the client can tell them from transport failures.
func (s *Server) call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := decodeRequest(in)
	if len(req.Meta) > 0 {
		ctx = broker.WithMeta(ctx, req.Meta)
		if rid, ok := req.Meta[broker.MetaRequestID].(string); ok && rid != "" {
			ctx = reqid.WithID(ctx, rid)
		}
	}
	res, err := s.caller.Call(ctx, req.Action, req.Params)
	return encodeResponse(res, err)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(callServer).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(callServer).call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*callServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "brokerql/broker.proto",
}
