package router

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rpcgate/internal/admission"
	"rpcgate/internal/handlers"
	"rpcgate/internal/http10"
	"rpcgate/internal/jobs"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/resp"
	"rpcgate/internal/sched"
)

// -----------------------------------------------------------------------------
// Config de timeouts por tipo (CPU/IO) desde variables de entorno.
//   TIMEOUT_CPU: ej. "60s" (default 60s)
//   TIMEOUT_IO : ej. "120s" (default 120s)
// -----------------------------------------------------------------------------
var (
	cpuTimeout = getDurEnv("TIMEOUT_CPU", 60*time.Second)
	ioTimeout  = getDurEnv("TIMEOUT_IO", 120*time.Second)
)

func getDurEnv(key string, def time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Manager global para pools.
var manager = sched.NewManager()

var jobman = jobs.NewManager(manager, 10*time.Minute)

var log = zap.NewNop()

// SetLogger inyecta el logger real una vez construido en cmd/gatewayserver.
func SetLogger(l *zap.Logger) { log = l }

// admissionConfig traduce la pareja (concurrencia, tamaño de cola) de cfg en
// una admission.Config con los defaults de spec.md §6.
func admissionConfig(workers, queue int) admission.Config {
	c := admission.NewConfig(uint32(imax(1, workers)))
	if queue > 0 {
		c.QueueSize = uint32(queue)
	}
	c.OnOverload = func(reason admission.RejectReason, snap admission.Snapshot) {
		log.Warn("admission rejected",
			zap.String("reason", reason.String()),
			zap.Int64("active", snap.Active),
			zap.Int64("queued", snap.Queued))
	}
	return c
}

func imax(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func register(name string, fn sched.TaskFunc, workers, queue int) {
	p, err := sched.NewPool(name, fn, admissionConfig(workers, queue))
	if err != nil {
		log.Fatal("invalid pool config", zap.String("pool", name), zap.Error(err))
	}
	if err := manager.Register(name, p); err != nil {
		log.Fatal("pool registration failed", zap.String("pool", name), zap.Error(err))
	}
}

// InitPools registra pools con configuración.
func InitPools(cfg map[string]int) {
	// Pools básicos (sleep/spin) que llaman a handlers.* con TaskFunc
	register("sleep", func(_ context.Context, p map[string]string) resp.Result { return handlers.SleepTask(p) },
		cfg["workers.sleep"], cfg["queue.sleep"])

	register("spin", func(_ context.Context, p map[string]string) resp.Result { return handlers.SpinTask(p) },
		cfg["workers.spin"], cfg["queue.spin"])

	// CPU
	register("isprime", func(ctx context.Context, p map[string]string) resp.Result { return handlers.IsPrimeJSONCtx(ctx, p) },
		cfg["workers.isprime"], cfg["queue.isprime"])

	// IO
	register("hashfile", func(ctx context.Context, p map[string]string) resp.Result { return handlers.HashFileJSONCtx(ctx, p) },
		cfg["workers.hashfile"], cfg["queue.hashfile"])
}

// cpuBound / ioBound clasifican qué timeout aplica a cada herramienta, tanto
// para las rutas GET heredadas como para /rpc.
var cpuBound = map[string]bool{"isprime": true}
var ioBound = map[string]bool{"hashfile": true}

func timeoutFor(tool string) time.Duration {
	if cpuBound[tool] {
		return cpuTimeout
	}
	if ioBound[tool] {
		return ioTimeout
	}
	return ioTimeout
}

// Dispatch resuelve rutas sobre HTTP/1.0 (GET).
func Dispatch(method, target string) resp.Result {
	if method != "GET" {
		return resp.BadReq("method", "only GET")
	}

	path, q := http10.SplitTarget(target)
	args := http10.ParseQuery(q)

	switch path {
	// Básicas
	case "/":
		return resp.PlainOK("hola mundo\n")
	case "/help":
		return handlers.Help()
	case "/timestamp":
		return handlers.Timestamp(nil)
	case "/reverse":
		return handlers.Reverse(args)
	case "/toupper":
		return handlers.ToUpper(args)
	case "/hash":
		return handlers.Hash(args)
	case "/random":
		return handlers.Random(args)
	case "/fibonacci":
		return handlers.Fibonacci(args)

	// Archivos
	case "/createfile":
		return handlers.CreateFile(args)
	case "/deletefile":
		return handlers.DeleteFile(args)

	// Pools / simulación
	case "/sleep":
		r, _ := submitSync("sleep", args, ioTimeout)
		return r
	case "/simulate":
		task := args["task"]
		if task != "sleep" && task != "spin" {
			return resp.BadReq("task", "use task=sleep|spin")
		}
		tout := cpuTimeout
		if task == "sleep" {
			tout = ioTimeout
		}
		r, _ := submitSync(task, args, tout)
		return r
	case "/loadtest":
		n, errN := strconv.Atoi(args["tasks"])
		s, errS := strconv.Atoi(args["sleep"])
		if errN != nil || n <= 0 {
			return resp.BadReq("tasks", "must be integer > 0")
		}
		if errS != nil || s < 0 {
			return resp.BadReq("sleep", "must be integer >= 0")
		}
		ok := 0
		for i := 0; i < n; i++ {
			if r, enq := submitSync("sleep",
				map[string]string{"seconds": strconv.Itoa(s)},
				ioTimeout); enq && r.Status == 200 {
				ok++
			}
		}
		return resp.PlainOK("ok " + strconv.Itoa(ok) + "/" + strconv.Itoa(n) + "\n")

	// Métricas
	case "/metrics":
		return resp.JSONOK(manager.MetricsJSON())

	// CPU-bound (usa cpuTimeout)
	case "/isprime":
		r, _ := submitSync("isprime", args, cpuTimeout)
		return r

	// IO-bound (usa ioTimeout)
	case "/hashfile":
		r, _ := submitSync("hashfile", args, ioTimeout)
		return r

	// Jobs
	case "/jobs/submit":
		task := args["task"]
		if task == "" {
			return resp.BadReq("task", "task=<pool_name> required")
		}
		params := make(map[string]string, len(args))
		for k, v := range args {
			if k == "task" {
				continue
			}
			params[k] = v
		}
		id := jobman.Submit(task, params, timeoutFor(task))
		if id == "" {
			return resp.NotFound("no_pool", "pool not found")
		}
		out := map[string]any{"job_id": id, "status": "queued"}
		b, _ := json.Marshal(out)
		return resp.JSONOK(string(b))

	case "/jobs/status":
		id := args["id"]
		if id == "" {
			return resp.BadReq("id", "id required")
		}
		if js, ok := jobman.SnapshotJSON(id); ok {
			return resp.JSONOK(js)
		}
		return resp.NotFound("not_found", "job not found")

	case "/jobs/result":
		id := args["id"]
		if id == "" {
			return resp.BadReq("id", "id required")
		}
		body, ok, err := jobman.ResultJSON(id)
		if !ok {
			return resp.NotFound("not_found", "job not found")
		}
		if err != nil {
			return resp.BadReq("not_ready", "job not finished yet")
		}
		return resp.JSONOK(body)

	case "/jobs/cancel":
		id := args["id"]
		if id == "" {
			return resp.BadReq("id", "id required")
		}
		st, ok := jobman.Cancel(id)
		if !ok {
			return resp.NotFound("not_found", "job not found")
		}
		out := map[string]any{"status": st}
		b, _ := json.Marshal(out)
		return resp.JSONOK(string(b))

	case "/jobs/list":
		return resp.JSONOK(jobman.ListJSON())

	case "/rpc":
		return resp.BadReq("method", "POST a JSON-RPC envelope to /rpc")
	}

	return resp.NotFound("not_found", "route")
}

// DispatchRPC resuelve una petición JSON-RPC 2.0 (spec.md §1, §6), admitida
// a través del mismo backpressure que las rutas GET heredadas.
func DispatchRPC(ctx context.Context, body []byte) jsonrpc.Response {
	req, err := jsonrpc.DecodeRequest(body)
	if err != nil {
		return jsonrpc.PlainError(nil, jsonrpc.CodeParseError, "invalid JSON-RPC request")
	}
	p, ok := manager.Pool(req.Method)
	if !ok {
		return jsonrpc.PlainError(req.ID, jsonrpc.CodeMethodNotFound, "unknown method: "+req.Method)
	}
	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		if s, ok := v.(string); ok {
			params[k] = s
		} else if b, err := json.Marshal(v); err == nil {
			params[k] = string(b)
		}
	}
	return p.RPCResponse(ctx, req.ID, params, timeoutFor(req.Method))
}

// submitSync admite con timeout y espera resultado/timeout de ejecución.
// Devuelve (resultado, ejecutado?). ejecutado=false si la admisión no dio
// Proceed (rechazo por backpressure, o cancelación al vencer timeout) → 503.
// Si el pool no existe devuelve 500 no_pool con true.
func submitSync(name string, args map[string]string, timeout time.Duration) (resp.Result, bool) {
	p, ok := manager.Pool(name)
	if !ok {
		return resp.IntErr("no_pool", "pool not found"), true
	}
	return p.SubmitAndWait(args, timeout)
}

// Close cierra recursos del router (Job Manager).
func Close() {
	if jobman != nil {
		jobman.Close()
	}
}

// PoolsSummary devuelve un mapa resumido por pool para /status (sin ciclo).
func PoolsSummary() map[string]any {
	var raw map[string]any
	_ = json.Unmarshal([]byte(manager.MetricsJSON()), &raw)
	return raw
}
