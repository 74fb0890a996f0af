package storage

import (
	"context"
	"sync"

	"github.com/xilidan/minutes/services/minutes/entity"
)

// Storage is the durable mapping from meeting id to Meeting. Implementations
// hand out copies, never their own records.
type Storage interface {
	Put(ctx context.Context, m *entity.Meeting) error
	Get(ctx context.Context, id string) (*entity.Meeting, error)
	List(ctx context.Context, opts entity.ListOptions) ([]*entity.Meeting, error)
}

type storage struct {
	mu       sync.RWMutex
	meetings map[string]*entity.Meeting
}

func New() Storage {
	return &storage{
		meetings: make(map[string]*entity.Meeting),
	}
}

func (s *storage) Put(ctx context.Context, m *entity.Meeting) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m.Clone()
	return nil
}

func (s *storage) Get(ctx context.Context, id string) (*entity.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.meetings[id]
	if !exists {
		return nil, entity.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *storage) List(ctx context.Context, opts entity.ListOptions) ([]*entity.Meeting, error) {
	s.mu.RLock()
	out := make([]*entity.Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		if opts.Match(m) {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()

	opts.Sort(out)
	return out, nil
}
