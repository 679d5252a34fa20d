package streampb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name StreamService is
// registered and dialed under.
const ServiceName = "dna.streampb.StreamService"

// StreamServiceServer is implemented by internal/server to serve
// StreamData (a bidirectional stream: the client may send a further
// request on the same stream to reset it, rather than opening a new
// call) and Status (unary), matching the external interface. It stands
// in for a protoc-generated server interface (see DESIGN.md for why one
// wasn't generated).
type StreamServiceServer interface {
	StreamData(req *StreamDataRequest, stream StreamService_StreamDataServer) error
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

// StreamService_StreamDataServer is both halves of the StreamData
// bidirectional stream: Send pushes responses, Recv reads any further
// reset requests the client sends on the same stream, analogous to a
// protoc-generated *_Server stream type.
type StreamService_StreamDataServer interface {
	Send(*StreamDataResponse) error
	Recv() (*StreamDataRequest, error)
	grpc.ServerStream
}

type streamServiceStreamDataServer struct {
	grpc.ServerStream
}

func (s *streamServiceStreamDataServer) Send(m *StreamDataResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *streamServiceStreamDataServer) Recv() (*StreamDataRequest, error) {
	m := new(StreamDataRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func handlerStreamData(srv interface{}, stream grpc.ServerStream) error {
	wrapped := &streamServiceStreamDataServer{stream}
	m, err := wrapped.Recv()
	if err != nil {
		return err
	}
	return srv.(StreamServiceServer).StreamData(m, wrapped)
}

func handlerStatus(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StreamServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StreamServiceServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc StreamService is registered with,
// standing in for the protoc-generated descriptor.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: handlerStatus},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamData", Handler: handlerStreamData, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "internal/streampb/service.go",
}

// RegisterStreamServiceServer registers srv against s.
func RegisterStreamServiceServer(s *grpc.Server, srv StreamServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// StreamServiceClient is the client-side counterpart, dialed with the
// "json" content subtype so requests/responses use the codec registered in
// codec.go instead of protobuf wire framing.
// StreamServiceClient's StreamData returns a stream left open for
// writes: the caller may invoke SendMsg again on it to reset the stream
// (a new filter/cursor/finality) without opening a new gRPC call, per
// spec §4.4/§6.
type StreamServiceClient interface {
	StreamData(ctx context.Context, req *StreamDataRequest, opts ...grpc.CallOption) (StreamService_StreamDataClient, error)
	Status(ctx context.Context, req *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type streamServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewStreamServiceClient wraps cc. Callers should dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")) to match the
// server's codec.
func NewStreamServiceClient(cc grpc.ClientConnInterface) StreamServiceClient {
	return &streamServiceClient{cc: cc}
}

func (c *streamServiceClient) StreamData(ctx context.Context, req *StreamDataRequest, opts ...grpc.CallOption) (StreamService_StreamDataClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ServiceName+"/StreamData", opts...)
	if err != nil {
		return nil, fmt.Errorf("streampb: open StreamData stream: %w", err)
	}
	cs := &streamServiceStreamDataClient{stream}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *streamServiceClient) Status(ctx context.Context, req *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/Status", req, out, opts...); err != nil {
		return nil, fmt.Errorf("streampb: invoke Status: %w", err)
	}
	return out, nil
}

// StreamService_StreamDataClient is the full StreamData stream on the
// client side: Recv reads responses, and SendMsg (inherited from
// grpc.ClientStream) lets the caller send a further StreamDataRequest on
// the same stream to reset it instead of dialing a new call.
type StreamService_StreamDataClient interface {
	Recv() (*StreamDataResponse, error)
	grpc.ClientStream
}

type streamServiceStreamDataClient struct {
	grpc.ClientStream
}

func (c *streamServiceStreamDataClient) Recv() (*StreamDataResponse, error) {
	m := new(StreamDataResponse)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ErrInvalidArgument wraps a filter/handshake validation failure into the
// grpc status names for that class of error.
func ErrInvalidArgument(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// ErrResourceExhausted wraps a backpressure/quota termination into the
// grpc status names for that class of error.
func ErrResourceExhausted(format string, args ...interface{}) error {
	return status.Errorf(codes.ResourceExhausted, format, args...)
}
