package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the full gRPC name of the control service.
const ServiceName = "wpweb.v1.Client"

// ClientServer is the server side of the control service.
type ClientServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	SignIn(context.Context, *SignInRequest) (*RouteResponse, error)
	SignUp(context.Context, *SignUpRequest) (*RouteResponse, error)
	SignOut(context.Context, *SignOutRequest) (*RouteResponse, error)
	ListUsers(context.Context, *ListUsersRequest) (*ListUsersResponse, error)
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	SelectChat(context.Context, *SelectChatRequest) (*ListMessagesResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	ListSends(context.Context, *ListSendsRequest) (*ListSendsResponse, error)
	Watch(*WatchRequest, WatchServer) error
}

// WatchServer is the server side of a Watch stream.
type WatchServer interface {
	Send(*Event) error
	Context() context.Context
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClientServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ClientServer.Status),
		unary("SignIn", ClientServer.SignIn),
		unary("SignUp", ClientServer.SignUp),
		unary("SignOut", ClientServer.SignOut),
		unary("ListUsers", ClientServer.ListUsers),
		unary("ListChats", ClientServer.ListChats),
		unary("SelectChat", ClientServer.SelectChat),
		unary("ListMessages", ClientServer.ListMessages),
		unary("SendMessage", ClientServer.SendMessage),
		unary("ListSends", ClientServer.ListSends),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "wpweb/v1/client",
}

// RegisterClientServer registers srv on s.
func RegisterClientServer(s grpc.ServiceRegistrar, srv ClientServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ClientServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ClientServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ClientServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ClientServer).Watch(in, &watchServer{stream})
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(e *Event) error {
	return w.ServerStream.SendMsg(e)
}
