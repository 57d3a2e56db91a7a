package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
)

// Client talks to a profile daemon over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Codec)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &StatusRequest{})
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*RouteResponse, error) {
	return invoke[RouteResponse](ctx, c, "SignIn", &SignInRequest{Email: email, Password: password})
}

func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*RouteResponse, error) {
	return invoke[RouteResponse](ctx, c, "SignUp", &SignUpRequest{Email: email, Password: password, DisplayName: displayName})
}

func (c *Client) SignOut(ctx context.Context) (*RouteResponse, error) {
	return invoke[RouteResponse](ctx, c, "SignOut", &SignOutRequest{})
}

func (c *Client) ListUsers(ctx context.Context) (*ListUsersResponse, error) {
	return invoke[ListUsersResponse](ctx, c, "ListUsers", &ListUsersRequest{})
}

func (c *Client) ListChats(ctx context.Context, filter string) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c, "ListChats", &ListChatsRequest{Filter: filter})
}

func (c *Client) SelectChat(ctx context.Context, chatID string) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "SelectChat", &SelectChatRequest{ChatID: chatID})
}

func (c *Client) ListMessages(ctx context.Context) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "ListMessages", &ListMessagesRequest{})
}

func (c *Client) SendMessage(ctx context.Context, content, attachmentPath string) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c, "SendMessage", &SendMessageRequest{Content: content, AttachmentPath: attachmentPath})
}

func (c *Client) ListSends(ctx context.Context, state string, limit int) (*ListSendsResponse, error) {
	return invoke[ListSendsResponse](ctx, c, "ListSends", &ListSendsRequest{State: state, Limit: limit})
}

// Watch opens an event stream. It ends when ctx is cancelled.
func (c *Client) Watch(ctx context.Context) (*WatchClient, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream: stream}, nil
}

// WatchClient is the client side of a Watch stream.
type WatchClient struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *WatchClient) Recv() (*Event, error) {
	e := new(Event)
	if err := w.stream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ErrorMessage returns the server's message of a failed call.
func ErrorMessage(err error) string {
	if st, ok := grpcstatus.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}
