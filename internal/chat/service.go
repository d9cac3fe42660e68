package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"social-network/internal/directory"

	"go.uber.org/zap"
)

// Directory is what the service needs from the conversation directory.
type Directory interface {
	ResolveUser(ctx context.Context, name string) (string, error)
	ResolveGroup(ctx context.Context, name string) (string, error)
	IsMember(ctx context.Context, group, user string) (bool, error)
}

// Service is the single entry point that couples live delivery to
// durable storage. Every send, whether it arrives over REST or a socket,
// is validated, persisted and only then broadcast, so a message that
// reaches any live recipient is already recoverable from history.
type Service struct {
	store Store
	dir   Directory
	hub   *Hub
	log   *zap.Logger
}

func NewService(store Store, dir Directory, hub *Hub, log *zap.Logger) *Service {
	return &Service{store: store, dir: dir, hub: hub, log: log}
}

// Send validates and resolves the frame's target, persists the message
// and broadcasts the persisted form. Direct messages route to the
// recipient's key only; the sender's own sessions rely on their local
// optimistic append. Group messages route to the group key, sender
// included.
func (s *Service) Send(ctx context.Context, sender string, frame Frame) (*Message, error) {
	body := strings.TrimSpace(frame.Message)
	if body == "" {
		return nil, fmt.Errorf("%w: empty message body", ErrValidation)
	}
	if frame.Target == "" {
		return nil, fmt.Errorf("%w: missing target", ErrValidation)
	}

	msg := &Message{Sender: sender, Body: body, SentAt: frame.Date}

	// The wire frame carries a single target field, so resolution decides
	// direct vs group: users shadow groups on a name clash.
	peer, err := s.dir.ResolveUser(ctx, frame.Target)
	switch {
	case err == nil:
		msg.Recipient = peer
	case errors.Is(err, directory.ErrNotFound):
		group, gerr := s.dir.ResolveGroup(ctx, frame.Target)
		if gerr != nil {
			return nil, gerr
		}
		member, merr := s.dir.IsMember(ctx, group, sender)
		if merr != nil {
			return nil, merr
		}
		if !member {
			return nil, fmt.Errorf("group %q for %s: %w", group, sender, directory.ErrNotFound)
		}
		msg.Group = group
	default:
		return nil, err
	}

	// Durability commit point. A failure here aborts the whole send;
	// nothing is broadcast.
	persisted, err := s.store.Append(ctx, msg)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(frameFor(persisted))
	if err != nil {
		return persisted, nil
	}
	if persisted.Group != "" {
		s.hub.Broadcast(groupKey(persisted.Group), payload)
	} else {
		s.hub.Broadcast(userKey(persisted.Recipient), payload)
	}

	s.log.Debug("message sent",
		zap.String("id", persisted.ID),
		zap.String("sender", persisted.Sender))
	return persisted, nil
}

// DirectHistory returns the conversation between viewer and peer, oldest
// first. The peer must exist.
func (s *Service) DirectHistory(ctx context.Context, viewer, peer string) ([]Message, error) {
	resolved, err := s.dir.ResolveUser(ctx, peer)
	if err != nil {
		return nil, err
	}
	return s.store.History(ctx, viewer, resolved)
}

// GroupHistory returns everything ever sent to the group, oldest first.
// The viewer must be a member.
func (s *Service) GroupHistory(ctx context.Context, viewer, group string) ([]Message, error) {
	resolved, err := s.ResolveGroupFor(ctx, viewer, group)
	if err != nil {
		return nil, err
	}
	return s.store.GroupHistory(ctx, resolved)
}

// ResolveGroupFor resolves a group name and checks the viewer's
// membership; non-members get ErrNotFound rather than a membership leak.
func (s *Service) ResolveGroupFor(ctx context.Context, viewer, group string) (string, error) {
	resolved, err := s.dir.ResolveGroup(ctx, group)
	if err != nil {
		return "", err
	}
	member, err := s.dir.IsMember(ctx, resolved, viewer)
	if err != nil {
		return "", err
	}
	if !member {
		return "", fmt.Errorf("group %q for %s: %w", resolved, viewer, directory.ErrNotFound)
	}
	return resolved, nil
}

// UnreadCounts returns unread direct-message counts for viewer, grouped
// by sender.
func (s *Service) UnreadCounts(ctx context.Context, viewer string) (map[string]int, error) {
	return s.store.UnreadBySender(ctx, viewer)
}

// MarkConversationRead flags everything from `from` to viewer as read.
// Idempotent, including for senders that never wrote anything.
func (s *Service) MarkConversationRead(ctx context.Context, viewer, from string) error {
	return s.store.MarkRead(ctx, viewer, from)
}
