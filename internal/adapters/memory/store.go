package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

// Store keeps graphs and runs as encoded documents, so callers never share
// memory with what is stored.
type Store struct {
	mu         sync.RWMutex
	graphs     map[string][]byte
	executions map[string][]byte
	byGraph    map[string][]string
}

func NewStore() *Store {
	return &Store{
		graphs:     make(map[string][]byte),
		executions: make(map[string][]byte),
		byGraph:    make(map[string][]string),
	}
}

func (s *Store) LoadGraph(ctx context.Context, id string) (*domain.Graph, error) {
	s.mu.RLock()
	data, ok := s.graphs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.NewNotFoundError("graph", id)
	}

	var graph domain.Graph
	if err := xjson.Unmarshal(data, &graph); err != nil {
		return nil, domain.NewInternalError("failed to decode graph", err)
	}
	return &graph, nil
}

func (s *Store) SaveGraph(ctx context.Context, graph *domain.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if prev, ok := s.graphs[graph.ID]; ok {
		var existing domain.Graph
		if err := xjson.Unmarshal(prev, &existing); err == nil {
			graph.Version = existing.Version + 1
			graph.CreatedAt = existing.CreatedAt
		}
	} else {
		graph.Version = 1
		graph.CreatedAt = now
	}
	graph.UpdatedAt = now

	data, err := xjson.Marshal(graph)
	if err != nil {
		return domain.NewInternalError("failed to encode graph", err)
	}
	s.graphs[graph.ID] = data
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	data, ok := s.executions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.NewNotFoundError("execution", id)
	}

	var record domain.ExecutionRecord
	if err := xjson.Unmarshal(data, &record); err != nil {
		return nil, domain.NewInternalError("failed to decode execution", err)
	}
	return &record, nil
}

func (s *Store) SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error {
	data, err := xjson.Marshal(record)
	if err != nil {
		return domain.NewInternalError("failed to encode execution", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[record.ID]; !exists {
		s.byGraph[record.GraphID] = append(s.byGraph[record.GraphID], record.ID)
	}
	s.executions[record.ID] = data
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, graphID string, limit int) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byGraph[graphID]...)
	s.mu.RUnlock()

	records := make([]*domain.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.LoadExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) Close() error {
	return nil
}

var _ ports.GraphStore = (*Store)(nil)
