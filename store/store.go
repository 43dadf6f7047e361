package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kevinxiao27/canvas-sync/ol"
)

var ErrNotFound = errors.New("project not found")

// Store persists project histories in the log's snapshot shape.
//
// Save replaces a project's whole history and suits a single owner such as a
// session. Append adds operations whose ids are not stored yet, keeping the
// first stored copy of each id, and is atomic per call, so writers sharing a
// store never drop each other's operations.
type Store interface {
	Load(ctx context.Context, projectID string) (ol.Snapshot, error)
	Save(ctx context.Context, snapshot ol.Snapshot) error
	Append(ctx context.Context, projectID string, ops []ol.Operation) error
	Delete(ctx context.Context, projectID string) error
}

// appendOps returns snapshot extended with the ops it does not already hold,
// and how many were added.
func appendOps(snapshot ol.Snapshot, ops []ol.Operation) (ol.Snapshot, int) {
	stored := mapset.NewThreadUnsafeSet[string]()
	for _, op := range snapshot.Operations {
		stored.Add(op.ID)
	}
	added := 0
	for _, op := range ops {
		if !stored.Add(op.ID) {
			continue
		}
		snapshot.Operations = append(snapshot.Operations, op)
		added++
	}
	return snapshot, added
}

func encode(snapshot ol.Snapshot) ([]byte, error) {
	if snapshot.Operations == nil {
		snapshot.Operations = []ol.Operation{}
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", snapshot.ProjectID, err)
	}
	return body, nil
}

func decode(projectID string, body []byte) (ol.Snapshot, error) {
	var snapshot ol.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return ol.Snapshot{}, fmt.Errorf("decode %s: %w", projectID, err)
	}
	return snapshot, nil
}

// MemoryStore keeps encoded snapshots in process.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: map[string][]byte{}}
}

func (s *MemoryStore) Load(ctx context.Context, projectID string) (ol.Snapshot, error) {
	s.mu.Lock()
	body, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		return ol.Snapshot{}, fmt.Errorf("load %s: %w", projectID, ErrNotFound)
	}
	return decode(projectID, body)
}

func (s *MemoryStore) Save(ctx context.Context, snapshot ol.Snapshot) error {
	body, err := encode(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[snapshot.ProjectID] = body
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, projectID string, ops []ol.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := ol.Snapshot{ProjectID: projectID}
	if body, ok := s.projects[projectID]; ok {
		var err error
		if snapshot, err = decode(projectID, body); err != nil {
			return err
		}
	}
	snapshot, added := appendOps(snapshot, ops)
	if _, ok := s.projects[projectID]; ok && added == 0 {
		return nil
	}
	body, err := encode(snapshot)
	if err != nil {
		return err
	}
	s.projects[projectID] = body
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
	return nil
}
