// Package messaging stores text and file messages for direct conversations
// and rooms and pushes them to the people in scope.
package messaging

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomdrop/internal/domain"
	"roomdrop/internal/notify"
	"roomdrop/internal/storage"
	"roomdrop/internal/target"
)

// MaxTextLength caps text message content, in characters.
const MaxTextLength = 4000

// Store is the persistence the service needs.
type Store interface {
	storage.Conversations
	storage.Messages
}

// Service creates messages.
type Service struct {
	store    Store
	resolver *target.Resolver
	notifier notify.Notifier
	clock    domain.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

// WithNotifier sets the event sink.
func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// NewService builds a Service.
func NewService(store Store, resolver *target.Resolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		notifier: notify.Nop{},
		clock:    domain.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send posts a text message from caller to the scope d names.
func (s *Service) Send(ctx context.Context, caller string, d target.Descriptor, text string) (*domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.InvalidInput("message content is required")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return nil, domain.InvalidInput("message exceeds %d characters", MaxTextLength)
	}
	resolved, err := s.resolver.Resolve(ctx, caller, d)
	if err != nil {
		return nil, err
	}
	msg := &domain.Message{
		SenderID: caller,
		Content:  text,
		Type:     domain.MessageText,
	}
	if err := s.Post(ctx, resolved, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Post stores msg in the resolved scope and notifies its recipients. ID and
// Timestamp are filled in when empty. Direct conversations are created on
// first use. Room scopes are re-checked under the room lock first, so a
// message never lands in a room its sender has left or that was deleted.
func (s *Service) Post(ctx context.Context, resolved *target.Resolved, msg *domain.Message) error {
	return s.resolver.Hold(ctx, msg.SenderID, resolved, func(held *target.Resolved) error {
		return s.PostHeld(ctx, held, msg)
	})
}

// PostHeld is Post for a scope the caller already holds through
// target.Resolver.Hold.
func (s *Service) PostHeld(ctx context.Context, resolved *target.Resolved, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now().UTC()
	}
	msg.Target = resolved.Target
	msg.Progress = nil

	if resolved.Target.Kind == domain.TargetDirect {
		conv := domain.NewConversation(msg.SenderID, resolved.Recipient, msg.Timestamp)
		if err := s.store.PutConversation(ctx, &conv); err != nil {
			return domain.Internal(err, "create conversation")
		}
	}
	if err := s.store.PutMessage(ctx, msg); err != nil {
		return domain.Internal(err, "store message")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "PostHeld",
		"message_id": msg.ID,
		"sender":     msg.SenderID,
		"target":     resolved.Target.ID(),
		"type":       msg.Type,
	}).Debug("Message stored")
	cp := *msg
	s.notifier.Notify(notify.Event{
		Type:       notify.TypeMessage,
		Recipients: resolved.Recipients,
		SenderID:   msg.SenderID,
		RoomID:     resolved.Target.RoomID,
		Message:    &cp,
	})
	return nil
}

// Conversation returns the direct conversation between caller and otherID,
// creating it when it does not exist yet.
func (s *Service) Conversation(ctx context.Context, caller, otherID string) (*domain.Conversation, error) {
	otherID = strings.TrimSpace(otherID)
	switch {
	case caller == "":
		return nil, domain.Unauthorized("missing caller identity")
	case otherID == "":
		return nil, domain.InvalidInput("user id is required")
	case otherID == caller:
		return nil, domain.InvalidInput("cannot open a conversation with yourself")
	}
	if err := domain.CheckUserID(otherID); err != nil {
		return nil, err
	}
	fresh := domain.NewConversation(caller, otherID, s.clock.Now().UTC())
	if err := s.store.PutConversation(ctx, &fresh); err != nil {
		return nil, domain.Internal(err, "create conversation")
	}
	conv, err := s.store.GetConversation(ctx, fresh.ID)
	if err != nil {
		return nil, domain.Internal(err, "load conversation")
	}
	msgs, err := s.store.ListMessages(ctx, domain.Direct(caller, otherID))
	if err != nil {
		return nil, domain.Internal(err, "list messages")
	}
	conv.Messages = msgs
	return conv, nil
}
