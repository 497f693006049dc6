package command

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository implementation used by tests
// and local development without Postgres.
type MemoryRepository struct {
	mu       sync.Mutex
	commands map[uuid.UUID]*Command
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{commands: make(map[uuid.UUID]*Command)}
}

func cloneCommand(c *Command) *Command {
	cp := *c
	return &cp
}

func (m *MemoryRepository) Queue(ctx context.Context, deviceID string, typ Type, payload json.RawMessage) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Command{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		Type:      typ,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	m.commands[c.ID] = c
	return cloneCommand(c), nil
}

func (m *MemoryRepository) PollPending(ctx context.Context, deviceID string, now time.Time) ([]*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*Command
	for _, c := range m.commands {
		if c.DeviceID == deviceID && c.Status == StatusPending {
			pending = append(pending, c)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	out := make([]*Command, 0, len(pending))
	for _, c := range pending {
		c.Status = StatusDelivered
		c.DeliveredAt = &now
		out = append(out, cloneCommand(c))
	}
	return out, nil
}

func (m *MemoryRepository) Acknowledge(ctx context.Context, id uuid.UUID, status Status, errMsg *string, now time.Time) (*AckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}

	if c.Status.IsTerminal() {
		return &AckResult{Command: cloneCommand(c), NoOp: true}, nil
	}

	allowed := validPredecessors[status]
	if allowed == nil || !allowed[c.Status] {
		return nil, ErrInvalidStatus
	}

	c.Status = status
	c.Error = errMsg
	if status.IsTerminal() {
		c.CompletedAt = &now
	}
	return &AckResult{Command: cloneCommand(c)}, nil
}

func (m *MemoryRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusPending {
		return ErrNotPending
	}
	delete(m.commands, id)
	return nil
}

func (m *MemoryRepository) History(ctx context.Context, deviceID string, filter HistoryFilter, paging Paging) ([]*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Command
	for _, c := range m.commands {
		if c.DeviceID != deviceID {
			continue
		}
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		out = append(out, cloneCommand(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCommand(c), nil
}
