package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"rpcgate/internal/resp"
	"rpcgate/internal/sched"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

type Job struct {
	ID         string            `json:"id"`
	Task       string            `json:"task"`
	Params     map[string]string `json:"params,omitempty"`
	Status     Status            `json:"status"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	Result     *resp.Result      `json:"result,omitempty"`

	cancel context.CancelFunc
}

// Manager mantiene un registro en memoria de jobs y ejecuta cada job
// en el pool correspondiente de sched.Manager.
type Manager struct {
	sched *sched.Manager

	mu   sync.RWMutex
	jobs map[string]*Job

	ttl   time.Duration
	stopC chan struct{}
}

// NewManager crea un Job Manager con TTL de limpieza para jobs finalizados.
func NewManager(s *sched.Manager, ttl time.Duration) *Manager {
	m := &Manager{
		sched: s,
		jobs:  make(map[string]*Job),
		ttl:   ttl,
		stopC: make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Close detiene la goroutine de GC.
func (m *Manager) Close() { close(m.stopC) }

func (m *Manager) gcLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.cleanup()
		case <-m.stopC:
			return
		}
	}
}

func (m *Manager) cleanup() {
	cut := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if terminal(j.Status) && j.EndedAt != nil && j.EndedAt.Before(cut) {
			delete(m.jobs, id)
		}
	}
}

func terminal(s Status) bool {
	return s == StatusDone || s == StatusFailed || s == StatusTimeout || s == StatusCancelled
}

// Submit crea un job y lo ejecuta en background. Devuelve el ID.
// Si el pool no existe, no crea el job y retorna vacío.
func (m *Manager) Submit(task string, params map[string]string, execTimeout time.Duration) string {
	if _, ok := m.sched.Pool(task); !ok {
		return ""
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	job := &Job{
		ID:         id,
		Task:       task,
		Params:     params,
		Status:     StatusQueued,
		EnqueuedAt: now,
		cancel:     cancel,
	}
	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	go func() {
		p, _ := m.sched.Pool(task)

		start := time.Now()
		m.mu.Lock()
		job.StartedAt = &start
		job.Status = StatusRunning
		m.mu.Unlock()

		res, ran := p.SubmitAndWaitCtx(ctx, params, execTimeout)
		end := time.Now()

		m.mu.Lock()
		defer m.mu.Unlock()
		job.EndedAt = &end
		job.Result = &res
		switch {
		case ctx.Err() != nil:
			job.Status = StatusCancelled
		case !ran:
			// admisión rechazada por backpressure
			job.Status = StatusFailed
		case res.Status == 503 && res.Err != nil && res.Err.Code == "timeout":
			job.Status = StatusTimeout
		case res.Status >= 200 && res.Status < 300:
			job.Status = StatusDone
		default:
			job.Status = StatusFailed
		}
	}()

	return id
}

// Cancel pide la cancelación del job. Es idempotente y seguro de llamar
// sobre un job ya finalizado (no hace nada en ese caso).
func (m *Manager) Cancel(id string) (Status, bool) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	status := j.Status
	cancel := j.cancel
	m.mu.Unlock()

	if !terminal(status) && cancel != nil {
		cancel()
	}

	m.mu.RLock()
	st := j.Status
	m.mu.RUnlock()
	return st, true
}

// SnapshotJSON devuelve un JSON con metadatos del job sin mutar el original.
func (m *Manager) SnapshotJSON(id string) (string, bool) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	b, _ := json.Marshal(snapshot(j))
	return string(b), true
}

// ResultJSON devuelve el cuerpo del resultado final del job. ok=false si el
// job no existe; err!=nil si el job aún no terminó.
func (m *Manager) ResultJSON(id string) (string, bool, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if j.Result == nil {
		return "", true, errors.New("job not finished")
	}
	b, _ := json.Marshal(j.Result)
	return string(b), true, nil
}

func snapshot(j *Job) *Job {
	return &Job{
		ID:         j.ID,
		Task:       j.Task,
		Params:     j.Params,
		Status:     j.Status,
		EnqueuedAt: j.EnqueuedAt,
		StartedAt:  j.StartedAt,
		EndedAt:    j.EndedAt,
		Result:     j.Result,
	}
}

// ListJSON lista los jobs actuales (activos y finalizados no vencidos).
func (m *Manager) ListJSON() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type lite struct {
		ID     string `json:"id"`
		Task   string `json:"task"`
		Status Status `json:"status"`
	}
	out := make([]lite, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, lite{ID: j.ID, Task: j.Task, Status: j.Status})
	}
	b, _ := json.Marshal(out)
	return string(b)
}
