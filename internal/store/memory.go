package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

// Memory is the development backend: a single-process map guarded by a
// RWMutex. It enforces the same version check as the Postgres backend so the
// manager's optimistic-concurrency behavior does not depend on the backend.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]job.Job)}
}

func (m *Memory) Create(_ context.Context, j job.Job) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.JobID]; ok {
		return job.Job{}, job.ErrJobExists
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.Version = 1

	m.jobs[j.JobID] = j.Clone()
	return j, nil
}

func (m *Memory) Get(_ context.Context, jobID string) (job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) Update(_ context.Context, j job.Job) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[j.JobID]
	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	if current.Version != j.Version {
		return job.Job{}, job.ErrConflict
	}

	j.UpdatedAt = time.Now().UTC()
	j.Version++
	m.jobs[j.JobID] = j.Clone()
	return j, nil
}

func (m *Memory) Delete(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return false, nil
	}
	delete(m.jobs, jobID)
	return true, nil
}

func (m *Memory) ListByUser(_ context.Context, userID string, limit, offset int) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []job.Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			jobs = append(jobs, j.Clone())
		}
	}

	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].JobID > jobs[b].JobID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})

	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) ListByStatus(_ context.Context, status job.Status, limit int) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []job.Job
	for _, j := range m.jobs {
		if j.Status == status {
			jobs = append(jobs, j.Clone())
		}
	}

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].UpdatedAt.Before(jobs[b].UpdatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) CleanupExpired(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, j := range m.jobs {
		if j.Status.IsTerminal() && j.CreatedAt.Before(before) {
			delete(m.jobs, id)
			count++
		}
	}
	return count, nil
}
