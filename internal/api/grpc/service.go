// Package grpc provides the GenerationService gRPC API. Messages are
// google.protobuf.Struct documents carrying the same JSON shapes as the REST
// API, so no generated code is needed.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tabledeck.v1.GenerationService"

// GenerationServiceServer is the server API for GenerationService.
type GenerationServiceServer interface {
	GetProject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProjects(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Analyze(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyEdit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Regenerate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, GenerationService_WatchServer) error
}

// GenerationService_WatchServer is the server side of the Watch stream.
type GenerationService_WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterGenerationServiceServer registers srv on s.
func RegisterGenerationServiceServer(s grpc.ServiceRegistrar, srv GenerationServiceServer) {
	s.RegisterService(&GenerationService_ServiceDesc, srv)
}

func unaryHandler(method string, call func(GenerationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GenerationServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(GenerationServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(GenerationServiceServer).Watch(m, &watchServer{stream})
}

// GenerationService_ServiceDesc describes GenerationService.
var GenerationService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GenerationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("GetProject", GenerationServiceServer.GetProject),
		unaryHandler("ListProjects", GenerationServiceServer.ListProjects),
		unaryHandler("Analyze", GenerationServiceServer.Analyze),
		unaryHandler("ApplyEdit", GenerationServiceServer.ApplyEdit),
		unaryHandler("Regenerate", GenerationServiceServer.Regenerate),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tabledeck/v1/generation.proto",
}

// Client is a GenerationService client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes a unary method with req and decodes the response into resp.
func (c *Client) Call(ctx context.Context, method string, req, resp interface{}) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// Watch opens the event stream of a project. An empty projectID watches
// every project.
func (c *Client) Watch(ctx context.Context, projectID string) (*WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &GenerationService_ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]interface{}{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream: stream}, nil
}

// WatchClient receives events from a Watch stream.
type WatchClient struct {
	stream grpc.ClientStream
}

// Recv decodes the next message into v.
func (w *WatchClient) Recv(v interface{}) error {
	m := new(structpb.Struct)
	if err := w.stream.RecvMsg(m); err != nil {
		return err
	}
	return fromStruct(m, v)
}

// toStruct converts a JSON-encodable value to a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	if s, ok := v.(*structpb.Struct); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message must be a JSON object: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return json.Unmarshal(data, v)
}
