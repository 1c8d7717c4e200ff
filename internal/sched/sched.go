package sched

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"rpcgate/internal/admission"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/resp"
)

// TaskFunc ejecuta el trabajo asociado al comando.
type TaskFunc func(ctx context.Context, params map[string]string) resp.Result

// ---- estadísticos (Welford) ----
type stat struct {
	mu   sync.Mutex
	n    int64
	mean float64
	m2   float64
}

func (s *stat) add(x float64) {
	s.mu.Lock()
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	delta2 := x - s.mean
	s.m2 += delta * delta2
	s.mu.Unlock()
}

func (s *stat) snapshot() (count int64, mean, std float64) {
	s.mu.Lock()
	count = s.n
	mean = s.mean
	if s.n > 1 {
		variance := s.m2 / float64(s.n-1)
		if variance > 0 {
			std = math.Sqrt(variance)
		}
	}
	s.mu.Unlock()
	return
}

// Pool binds one named tool to its own admission.Admissioner. The teacher's
// three priority channels and fixed worker goroutines are gone: the
// admissioner itself bounds concurrency, so a proceeding call runs fn
// directly on the caller's goroutine.
type Pool struct {
	name string
	fn   TaskFunc
	adm  *admission.Admissioner

	waitStat stat // tiempo en Admit antes de una decisión (ms)
	runStat  stat // tiempo dentro de fn una vez admitido (ms)
}

// NewPool construye un pool cuyo admisor se configura con cfg.
func NewPool(name string, fn TaskFunc, cfg admission.Config) (*Pool, error) {
	adm, err := admission.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Pool{name: name, fn: fn, adm: adm}, nil
}

// SubmitAndWaitCtx admite bajo deadline (cubre tanto el tiempo en cola como
// la ejecución del handler) y corre fn sincrónicamente una vez admitido.
// El bool indica si la petición llegó a ejecutarse (true) o fue
// rechazada/cancelada (false).
func (p *Pool) SubmitAndWaitCtx(ctx context.Context, params map[string]string, deadline time.Duration) (resp.Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	arrived := time.Now()
	res := p.adm.Admit(ctx)

	switch res.Outcome {
	case admission.Proceed:
		p.waitStat.add(float64(time.Since(arrived)) / 1e6)
		defer res.Token.Release()

		start := time.Now()
		out := p.fn(ctx, params)
		p.runStat.add(float64(time.Since(start)) / 1e6)
		return out, true

	case admission.Cancelled:
		return resp.Unavail("canceled", "job canceled"), false

	default: // admission.Reject
		payload := p.adm.Overload(res)
		b, err := json.Marshal(payload)
		if err != nil {
			return resp.IntErr("marshal", "failed to encode overload payload"), false
		}
		return resp.Overloaded(string(b)), false
	}
}

// SubmitAndWait es el atajo para rutas síncronas sin contexto externo que
// propagar la cancelación.
func (p *Pool) SubmitAndWait(params map[string]string, deadline time.Duration) (resp.Result, bool) {
	return p.SubmitAndWaitCtx(context.Background(), params, deadline)
}

// RPCResponse corre la herramienta y renderiza el resultado como una
// respuesta JSON-RPC, usando el payload de sobrecarga del admisor tal cual
// en caso de rechazo.
func (p *Pool) RPCResponse(ctx context.Context, id json.RawMessage, params map[string]string, deadline time.Duration) jsonrpc.Response {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	res := p.adm.Admit(ctx)
	switch res.Outcome {
	case admission.Proceed:
		defer res.Token.Release()
		out := p.fn(ctx, params)
		if out.Err != nil {
			return jsonrpc.PlainError(id, jsonrpc.CodeInternalError, out.Err.Detail)
		}
		return jsonrpc.Result(id, json.RawMessage(out.Body))
	case admission.Cancelled:
		return jsonrpc.PlainError(id, jsonrpc.CodeInternalError, "canceled")
	default:
		return jsonrpc.OverloadError(id, p.adm.Overload(res))
	}
}

// metrics devuelve un snapshot serializable para /status y /metrics.
func (p *Pool) metrics() map[string]any {
	snap := p.adm.Metrics()
	cfg := p.adm.Config()

	_, meanWait, stdWait := p.waitStat.snapshot()
	_, meanRun, stdRun := p.runStat.snapshot()

	return map[string]any{
		"admission": map[string]any{
			"active":           snap.Active,
			"queued":           snap.Queued,
			"max_concurrent":   cfg.MaxConcurrent,
			"queue_size":       cfg.QueueSize,
			"queue_timeout_ms": cfg.QueueTimeout.Milliseconds(),
			"rejected": map[string]uint64{
				"concurrency_limit": snap.Rejected.ConcurrencyLimit,
				"queue_full":        snap.Rejected.QueueFull,
				"queue_timeout":     snap.Rejected.QueueTimeout,
			},
		},
		// compatibilidad con /status: vista simplificada de workers/cola
		"workers": map[string]any{
			"total": cfg.MaxConcurrent,
			"busy":  snap.Active,
			"idle":  int64(cfg.MaxConcurrent) - snap.Active,
		},
		"queue_len": snap.Queued,
		"queue_cap": cfg.QueueSize,
		"latency_ms": map[string]any{
			"wait": map[string]float64{"avg": meanWait, "std": stdWait},
			"run":  map[string]float64{"avg": meanRun, "std": stdRun},
		},
	}
}

// ---- Manager ----
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

func (m *Manager) Register(name string, p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[name]; ok {
		return errors.New("pool already exists")
	}
	m.pools[name] = p
	return nil
}

func (m *Manager) Pool(name string) (*Pool, bool) {
	m.mu.RLock()
	p, ok := m.pools[name]
	m.mu.RUnlock()
	return p, ok
}

func (m *Manager) MetricsJSON() string {
	m.mu.RLock()
	out := make(map[string]any, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.metrics()
	}
	m.mu.RUnlock()
	b, _ := json.Marshal(out)
	return string(b)
}
