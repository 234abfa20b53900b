package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/activity"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Backend is the part of the sync engine the API exposes.
type Backend interface {
	SendMessage(channelID string, msg chat.Outgoing) (string, error)
	EditMessage(channelID, messageID, body string) error
	AddReaction(channelID, messageID, userID, emoji string) error
	MarkRead(channelID, messageID, userID string) error
	SetTyping(channelID, userID string, isTyping bool) error
	SetPresence(userID string, st presence.Status, meta *presence.Metadata) error
	AddActivity(userID string, typ activity.Type, data activity.Data, vis activity.Visibility) (string, error)
	ConnectionStatus() status.ConnectionState
	QueueStats() map[string]int
	DeadLetters(queue string, limit int) ([]store.DeadLetter, error)
	DeadLetterCounts() (map[string]int, error)
	DiscardDeadLetter(id string) error
}

// Service implements ChatSyncServer on top of a Backend.
type Service struct {
	backend     Backend
	bus         *bus.Bus
	sessionName string
	startedAt   time.Time
	logger      *zap.Logger
}

// NewService creates the gRPC service for one session.
func NewService(backend Backend, b *bus.Bus, sessionName string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend:     backend,
		bus:         b,
		sessionName: sessionName,
		startedAt:   time.Now(),
		logger:      logger,
	}
}

func (s *Service) SendMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendMessageRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	channelID := req.ChannelID
	if channelID == "" && req.SenderID != "" && req.ReceiverID != "" {
		channelID = chat.ChannelID(req.SenderID, req.ReceiverID)
	}
	id, err := s.backend.SendMessage(channelID, chat.Outgoing{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Body:       req.Body,
		Kind:       req.Kind,
		Content:    req.Content,
		ReplyTo:    req.ReplyTo,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(SendMessageResponse{ID: id, ChannelID: channelID})
}

func (s *Service) EditMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EditMessageRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	if err := s.backend.EditMessage(req.ChannelID, req.MessageID, req.Body); err != nil {
		return nil, toStatus(err)
	}
	return encode(empty{})
}

func (s *Service) AddReaction(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ReactionRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	if err := s.backend.AddReaction(req.ChannelID, req.MessageID, req.UserID, req.Emoji); err != nil {
		return nil, toStatus(err)
	}
	return encode(empty{})
}

func (s *Service) MarkRead(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MarkReadRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	if err := s.backend.MarkRead(req.ChannelID, req.MessageID, req.UserID); err != nil {
		return nil, toStatus(err)
	}
	return encode(empty{})
}

func (s *Service) SetTyping(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TypingRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	if err := s.backend.SetTyping(req.ChannelID, req.UserID, req.Typing); err != nil {
		return nil, toStatus(err)
	}
	return encode(empty{})
}

func (s *Service) SetPresence(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PresenceRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	var meta *presence.Metadata
	if req.CurrentPage != "" {
		meta = &presence.Metadata{CurrentPage: req.CurrentPage}
	}
	if err := s.backend.SetPresence(req.UserID, presence.Status(req.Status), meta); err != nil {
		return nil, toStatus(err)
	}
	return encode(empty{})
}

func (s *Service) AddActivity(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ActivityRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	id, err := s.backend.AddActivity(req.UserID, req.Type, req.Data, req.Visibility)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(ActivityResponse{ID: id})
}

func (s *Service) ConnectionStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.backend.ConnectionStatus()
	resp := StatusResponse{
		Session:             s.sessionName,
		Connected:           st.Connected,
		Quality:             string(st.Quality),
		ConsecutiveFailures: st.ConsecutiveFailures,
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
		Queues:              s.backend.QueueStats(),
	}
	if !st.LastTransitionAt.IsZero() {
		resp.LastTransitionAtMs = st.LastTransitionAt.UnixMilli()
	}
	dead, err := s.backend.DeadLetterCounts()
	if err != nil {
		s.logger.Warn("failed to count dead letters", zap.Error(err))
	}
	resp.DeadLetters = dead
	return encode(resp)
}

func (s *Service) QueueStats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(QueueStatsResponse{Queues: s.backend.QueueStats()})
}

func (s *Service) ListDeadLetters(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DeadLettersRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	dead, err := s.backend.DeadLetters(req.Queue, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := DeadLettersResponse{DeadLetters: make([]DeadLetter, 0, len(dead))}
	for _, d := range dead {
		resp.DeadLetters = append(resp.DeadLetters, DeadLetter{
			ID:           d.ID,
			Queue:        d.Queue,
			Payload:      d.Payload,
			Attempts:     d.Attempts,
			LastError:    d.LastError,
			EnqueuedAtMs: d.EnqueuedAt,
			FailedAtMs:   d.FailedAt,
		})
	}
	return encode(resp)
}

func (s *Service) DiscardDeadLetter(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DiscardDeadLetterRequest
	if err := decode(in, &req); err != nil {
		return nil, badRequest(err)
	}
	if err := s.backend.DiscardDeadLetter(req.ID); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("dead letter discarded", zap.String("op_id", req.ID))
	return encode(empty{})
}

// Watch streams bus events whose kind starts with the requested prefix until
// the client goes away.
func (s *Service) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return badRequest(err)
	}
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) envelope(evt bus.Event) (*structpb.Struct, error) {
	var payload json.RawMessage
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	return encode(Event{
		EventID:      uuid.NewString(),
		Session:      s.sessionName,
		Kind:         evt.Kind,
		OccurredAtMs: evt.Timestamp.UnixMilli(),
		Payload:      payload,
	})
}

var _ ChatSyncServer = (*Service)(nil)
