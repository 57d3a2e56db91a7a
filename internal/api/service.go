package api

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/chatsync"
	"github.com/matheus3301/wpweb/internal/model"
	"github.com/matheus3301/wpweb/internal/outbox"
	"github.com/matheus3301/wpweb/internal/session"
	"github.com/matheus3301/wpweb/internal/status"
)

// MaxAttachmentSize caps files sent with SendMessage.
const MaxAttachmentSize = 50 << 20

// Service implements ClientServer over the session manager and the chat store.
type Service struct {
	profile    string
	startedAt  time.Time
	configured bool
	machine    *status.Machine
	sessions   *session.Manager
	chats      *chatsync.Store
	sends      *outbox.Tracker
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewService creates the control service. configured reports whether a
// backend is set up.
func NewService(profile string, configured bool, machine *status.Machine, sessions *session.Manager, chats *chatsync.Store, sends *outbox.Tracker, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:    profile,
		startedAt:  time.Now(),
		configured: configured,
		machine:    machine,
		sessions:   sessions,
		chats:      chats,
		sends:      sends,
		bus:        b,
		logger:     logger.Named("api"),
	}
}

func (s *Service) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	snap := s.chats.Snapshot()
	return &StatusResponse{
		Profile:           s.profile,
		Status:            string(s.machine.Current()),
		Route:             string(s.sessions.Route()),
		User:              s.sessions.User(),
		BackendConfigured: s.configured,
		UptimeMs:          time.Since(s.startedAt).Milliseconds(),
		ChatCount:         len(snap.Chats),
		CurrentChatID:     snap.CurrentChatID,
	}, nil
}

func (s *Service) SignIn(ctx context.Context, req *SignInRequest) (*RouteResponse, error) {
	route, err := s.sessions.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RouteResponse{Route: string(route)}, nil
}

func (s *Service) SignUp(ctx context.Context, req *SignUpRequest) (*RouteResponse, error) {
	route, err := s.sessions.SignUp(ctx, req.Email, req.Password, req.DisplayName)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RouteResponse{Route: string(route)}, nil
}

func (s *Service) SignOut(ctx context.Context, _ *SignOutRequest) (*RouteResponse, error) {
	route, err := s.sessions.SignOut(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RouteResponse{Route: string(route)}, nil
}

func (s *Service) ListUsers(_ context.Context, _ *ListUsersRequest) (*ListUsersResponse, error) {
	if err := s.requireUser(); err != nil {
		return nil, err
	}
	return &ListUsersResponse{Users: s.chats.Snapshot().Users}, nil
}

func (s *Service) ListChats(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	if err := s.requireUser(); err != nil {
		return nil, err
	}
	chats := s.chats.FilterChats(req.Filter)
	return &ListChatsResponse{Chats: chats, Total: len(s.chats.Snapshot().Chats)}, nil
}

func (s *Service) SelectChat(ctx context.Context, req *SelectChatRequest) (*ListMessagesResponse, error) {
	if err := s.requireUser(); err != nil {
		return nil, err
	}
	if err := s.chats.SetCurrentChat(ctx, req.ChatID); err != nil {
		return nil, toStatus(err)
	}
	snap := s.chats.Snapshot()
	return &ListMessagesResponse{ChatID: snap.CurrentChatID, Messages: snap.Messages}, nil
}

func (s *Service) ListMessages(_ context.Context, _ *ListMessagesRequest) (*ListMessagesResponse, error) {
	if err := s.requireUser(); err != nil {
		return nil, err
	}
	snap := s.chats.Snapshot()
	return &ListMessagesResponse{ChatID: snap.CurrentChatID, Messages: snap.Messages}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if err := s.requireUser(); err != nil {
		return nil, err
	}
	if s.chats.Snapshot().CurrentChatID == "" {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "no chat selected")
	}

	var attachment *model.Attachment
	if req.AttachmentPath != "" {
		a, err := readAttachment(req.AttachmentPath)
		if err != nil {
			return nil, err
		}
		attachment = a
	}

	msg, err := s.chats.SendMessage(ctx, req.Content, attachment)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendMessageResponse{Message: msg}, nil
}

// ListSends reads the local send log. It needs no session: the log belongs
// to the profile and survives sign-out.
func (s *Service) ListSends(ctx context.Context, req *ListSendsRequest) (*ListSendsResponse, error) {
	state := outbox.State(req.State)
	if state == "" {
		state = outbox.StateFailed
	}
	sends, err := s.sends.List(ctx, state, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListSendsResponse{Sends: sends}, nil
}

// Watch streams a snapshot followed by session, navigation, store and send
// events until the client goes away.
func (s *Service) Watch(_ *WatchRequest, stream WatchServer) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	snap := s.chats.Snapshot()
	first := &Event{
		ID:               uuid.NewString(),
		Kind:             KindSnapshot,
		OccurredAtUnixMs: time.Now().UnixMilli(),
		Status:           string(s.machine.Current()),
		Route:            string(s.sessions.Route()),
		Snapshot:         &snap,
	}
	if err := stream.Send(first); err != nil {
		return err
	}

	for {
		select {
		case evt := <-ch:
			out, ok := toEvent(evt)
			if !ok {
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) requireUser() error {
	if s.sessions.User() == nil {
		return grpcstatus.Error(codes.FailedPrecondition, "not signed in")
	}
	return nil
}

func toEvent(evt bus.Event) (*Event, bool) {
	out := &Event{
		ID:               uuid.NewString(),
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		out.Status = string(p.To)
	case session.Route:
		out.Route = string(p)
	case chatsync.Snapshot:
		out.Snapshot = &p
	case outbox.SendEvent:
		out.Send = &p
	case model.User:
		out.Text = p.Label()
	case string:
		out.Text = p
	case nil:
	default:
		return nil, false
	}
	return out, true
}

func readAttachment(path string) (*model.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment: %v", err)
	}
	if info.IsDir() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment %s is a directory", path)
	}
	if info.Size() > MaxAttachmentSize {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment is larger than %d MB", MaxAttachmentSize>>20)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment: %v", err)
	}
	return &model.Attachment{Name: filepath.Base(path), Data: data}, nil
}

// toStatus maps domain errors to gRPC codes with a short message.
func toStatus(err error) error {
	msg := backend.UserMessage(err)
	var se *session.Error
	if errors.As(err, &se) {
		msg = se.Message
	}

	var ve *backend.ValidationError
	var be *backend.Error
	switch {
	case errors.As(err, &ve):
		return grpcstatus.Error(codes.InvalidArgument, msg)
	case errors.Is(err, backend.ErrNotConfigured):
		return grpcstatus.Error(codes.FailedPrecondition, msg)
	case errors.Is(err, chatsync.ErrInactive):
		return grpcstatus.Error(codes.FailedPrecondition, "not signed in")
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, msg)
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, msg)
	case errors.As(err, &be):
		return grpcstatus.Error(httpCode(be.Status), msg)
	}
	if msg == "service unavailable, try again later" {
		return grpcstatus.Error(codes.Unavailable, msg)
	}
	return grpcstatus.Error(codes.Internal, msg)
}

func httpCode(status int) codes.Code {
	switch {
	case status == 0:
		return codes.Unavailable
	case status == 400 || status == 422:
		return codes.InvalidArgument
	case status == 401:
		return codes.Unauthenticated
	case status == 403:
		return codes.PermissionDenied
	case status == 404 || status == 406:
		return codes.NotFound
	case status == 409:
		return codes.AlreadyExists
	case status == 429:
		return codes.ResourceExhausted
	case status >= 500:
		return codes.Unavailable
	}
	return codes.Unknown
}
