// Package message implements the inter-agent message bus (spec §4.9, C9).
// Messages persist through repository.MessageRepo; pubsub.Broker fans out a
// live copy of each send to any subscriber (a TUI, an MCP tool, a test) so
// consumers are not forced to poll the store.
package message

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cawhq/caw/internal/domain"
	"github.com/cawhq/caw/internal/ids"
	"github.com/cawhq/caw/internal/log"
	"github.com/cawhq/caw/internal/pubsub"
	"github.com/cawhq/caw/internal/repository"
	"github.com/cawhq/caw/internal/store"
)

// Service implements spec §4.9's message bus operations.
type Service struct {
	db       *store.DB
	messages *repository.MessageRepo
	agents   *repository.AgentRepo
	clock    *ids.Clock
	broker   *pubsub.Broker[*domain.Message]
}

// New constructs a message Service with its own live-fanout broker.
func New(db *store.DB, messages *repository.MessageRepo, agents *repository.AgentRepo, clock *ids.Clock) *Service {
	return &Service{db: db, messages: messages, agents: agents, clock: clock, broker: pubsub.NewBroker[*domain.Message]()}
}

// Subscribe returns a live feed of every message sent through this Service,
// for a tailer or test to observe without polling the store.
func (s *Service) Subscribe(ctx context.Context) <-chan pubsub.Event[*domain.Message] {
	return s.broker.Subscribe(ctx)
}

// SendInput is the argument to Send.
type SendInput struct {
	SenderID    string
	RecipientID string
	MessageType domain.MessageType
	Subject     string
	Body        string
	Priority    domain.MessagePriority
	WorkflowID  string
	TaskID      string
	ReplyToID   string
	ExpiresAt   int64
}

// SendResult reports the persisted message's id and resolved thread.
type SendResult struct {
	ID       string
	ThreadID string
}

// Send creates a message. It inherits the parent's thread_id when ReplyToID
// is given, otherwise mints a new thread.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	threadID := ids.New(ids.PrefixThread)
	if in.ReplyToID != "" {
		parent, err := s.messages.Get(ctx, in.ReplyToID)
		if err != nil {
			return nil, err
		}
		threadID = parent.ThreadID
	}

	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}

	m := &domain.Message{
		ID: ids.New(ids.PrefixMessage), SenderID: in.SenderID, RecipientID: in.RecipientID,
		MessageType: in.MessageType, Subject: in.Subject, Body: in.Body, Priority: in.Priority,
		Status: domain.MessageUnread, WorkflowID: in.WorkflowID, TaskID: in.TaskID, ReplyToID: in.ReplyToID,
		ThreadID: threadID, CreatedAt: s.clock.NowMillis(), ExpiresAt: in.ExpiresAt,
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}

	s.broker.Publish(pubsub.CreatedEvent, m)
	log.Info(log.CatBus, "message sent", "message_id", m.ID, "recipient_id", m.RecipientID, "thread_id", threadID)
	return &SendResult{ID: m.ID, ThreadID: threadID}, nil
}

// RecipientFilter narrows Broadcast's recipients.
type RecipientFilter struct {
	Role    domain.AgentRole
	Status  domain.AgentStatus
	Runtime string
}

// BroadcastInput is the argument to Broadcast.
type BroadcastInput struct {
	SenderID        string
	WorkflowID      string
	RecipientFilter RecipientFilter
	MessageType     domain.MessageType
	Subject         string
	Body            string
	Priority        domain.MessagePriority
}

// BroadcastResult reports what Broadcast sent.
type BroadcastResult struct {
	SentCount  int
	MessageIDs []string
}

// Broadcast sends one message to every agent in workflowID matching filter,
// excluding the sender, all within a single transaction sharing one thread
// id. A zero-valued filter matches no one: broadcast requires an explicit
// criterion, it is not a way to spell "everyone".
func (s *Service) Broadcast(ctx context.Context, in BroadcastInput) (*BroadcastResult, error) {
	result := &BroadcastResult{}
	if in.RecipientFilter == (RecipientFilter{}) {
		return result, nil
	}

	agents, err := s.agents.ListByWorkflow(ctx, in.WorkflowID)
	if err != nil {
		return nil, err
	}

	var recipients []*domain.Agent
	for _, a := range agents {
		if a.ID == in.SenderID {
			continue
		}
		if in.RecipientFilter.Role != "" && a.Role != in.RecipientFilter.Role {
			continue
		}
		if in.RecipientFilter.Status != "" && a.Status != in.RecipientFilter.Status {
			continue
		}
		if in.RecipientFilter.Runtime != "" && a.Runtime != in.RecipientFilter.Runtime {
			continue
		}
		recipients = append(recipients, a)
	}

	if len(recipients) == 0 {
		return result, nil
	}

	threadID := ids.New(ids.PrefixThread)
	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	now := s.clock.NowMillis()

	var sent []*domain.Message
	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, recipient := range recipients {
			m := &domain.Message{
				ID: ids.New(ids.PrefixMessage), SenderID: in.SenderID, RecipientID: recipient.ID,
				MessageType: in.MessageType, Subject: in.Subject, Body: in.Body, Priority: priority,
				Status: domain.MessageUnread, WorkflowID: in.WorkflowID, ThreadID: threadID, CreatedAt: now,
			}
			if err := s.messages.Create(ctx, m); err != nil {
				return err
			}
			sent = append(sent, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, m := range sent {
		s.broker.Publish(pubsub.CreatedEvent, m)
		result.MessageIDs = append(result.MessageIDs, m.ID)
	}
	result.SentCount = len(sent)
	log.Info(log.CatBus, "broadcast sent", "workflow_id", in.WorkflowID, "sent_count", result.SentCount)
	return result, nil
}

// ListFilter narrows List/ListAll's results.
type ListFilter struct {
	UnreadOnly bool
	Limit      int
}

// List returns messages addressed to agentID, newest first, default limit
// 20 when Limit is unset.
func (s *Service) List(ctx context.Context, agentID string, f ListFilter) ([]*domain.Message, error) {
	limit := f.Limit
	if limit == 0 {
		limit = 20
	}
	return s.messages.ListForRecipient(ctx, agentID, f.UnreadOnly, limit)
}

// ListAll returns every message in the system, newest first, default limit
// 50 when Limit is unset.
func (s *Service) ListAll(ctx context.Context, f ListFilter) ([]*domain.Message, error) {
	limit := f.Limit
	if limit == 0 {
		limit = 50
	}
	return s.messages.ListAll(ctx, limit)
}

// Get returns a message by id, atomically marking it read when markRead is
// true and it is currently unread.
func (s *Service) Get(ctx context.Context, id string, markRead bool) (*domain.Message, error) {
	m, err := s.messages.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if markRead && m.Status == domain.MessageUnread {
		now := s.clock.NowMillis()
		if err := s.messages.UpdateStatus(ctx, id, domain.MessageRead, now); err != nil {
			return nil, err
		}
		m.Status = domain.MessageRead
		m.ReadAt = now
	}
	return m, nil
}

// MarkRead transitions each unread message in ids to read, returning the
// count actually changed (a message already read or archived is untouched).
func (s *Service) MarkRead(ctx context.Context, messageIDs []string) (int, error) {
	now := s.clock.NowMillis()
	changed := 0
	for _, id := range messageIDs {
		m, err := s.messages.Get(ctx, id)
		if err != nil {
			return changed, err
		}
		if m.Status != domain.MessageUnread {
			continue
		}
		if err := s.messages.UpdateStatus(ctx, id, domain.MessageRead, now); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Archive transitions each read or unread message in ids to archived,
// returning the count actually changed. Archived is terminal.
func (s *Service) Archive(ctx context.Context, messageIDs []string) (int, error) {
	changed := 0
	for _, id := range messageIDs {
		m, err := s.messages.Get(ctx, id)
		if err != nil {
			return changed, err
		}
		if m.Status == domain.MessageArchived {
			continue
		}
		if err := s.messages.UpdateStatus(ctx, id, domain.MessageArchived, m.ReadAt); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// UnreadCount is countUnread's return shape.
type UnreadCount struct {
	Count      int
	ByPriority map[domain.MessagePriority]int
}

// CountUnread reports agentID's unread count, together with its breakdown by
// priority.
func (s *Service) CountUnread(ctx context.Context, agentID string) (*UnreadCount, error) {
	unread, err := s.messages.ListForRecipient(ctx, agentID, true, 0)
	if err != nil {
		return nil, err
	}
	result := &UnreadCount{ByPriority: map[domain.MessagePriority]int{}}
	for _, m := range unread {
		result.Count++
		result.ByPriority[m.Priority]++
	}
	return result, nil
}

// CountAllUnread reports the system-wide unread count.
func (s *Service) CountAllUnread(ctx context.Context) (int, error) {
	all, err := s.messages.ListAll(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("count all unread: %w", err)
	}
	count := 0
	for _, m := range all {
		if m.Status == domain.MessageUnread {
			count++
		}
	}
	return count, nil
}

// GetThread returns every message sharing threadID, chronological.
func (s *Service) GetThread(ctx context.Context, threadID string) ([]*domain.Message, error) {
	return s.messages.ListThread(ctx, threadID)
}
