package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rpcgate/internal/http10"
	"rpcgate/internal/jsonrpc"
	"rpcgate/internal/router"
	"rpcgate/internal/util"
)

var (
	startedAt = time.Now()
	connCount uint64
	log       = zap.NewNop()
)

// SetLogger inyecta el logger real; cmd/gatewayserver lo construye.
func SetLogger(l *zap.Logger) {
	log = l
	router.SetLogger(l)
}

func pid() int              { return os.Getpid() }
func uptime() time.Duration { return time.Since(startedAt) }
func conns() uint64         { return atomic.LoadUint64(&connCount) }

func HandleConn(c net.Conn) {
	defer c.Close()

	trace := map[string]string{
		"X-Request-Id": util.NewReqID(),
		"X-Worker-Pid": strconv.Itoa(pid()),
		"Connection":   "close",
	}

	r := bufio.NewReader(c)
	req, err := http10.ParseRequest(r)
	if err != nil {
		http10.WriteErrorJSON(c, 400, "bad_request", err.Error(), trace)
		return
	}

	if req.Method == "GET" {
		path, _ := http10.SplitTarget(req.Target)
		if path == "/status" {
			out := map[string]any{
				"pid":         pid(),
				"uptime_ms":   uptime().Milliseconds(),
				"started_at":  startedAt.UTC().Format(time.RFC3339Nano),
				"connections": conns(),
				"pools":       router.PoolsSummary(),
			}
			b, _ := json.Marshal(out)
			http10.WriteJSONH(c, 200, string(b), trace)
			return
		}
	}

	if req.Method == "POST" {
		path, _ := http10.SplitTarget(req.Target)
		if path == "/rpc" {
			resp := router.DispatchRPC(context.Background(), req.Body)
			http10.WriteJSONH(c, 200, string(jsonrpc.Marshal(resp)), trace)
			return
		}
		http10.WriteErrorJSON(c, 404, "not_found", "route", trace)
		return
	}

	res := router.Dispatch(req.Method, req.Target)

	hdrs := map[string]string{}
	for k, v := range trace {
		hdrs[k] = v
	}
	if res.Headers != nil {
		for k, v := range res.Headers {
			hdrs[k] = v
		}
	}

	if res.JSON {
		if res.Err != nil {
			http10.WriteErrorJSON(c, res.Status, res.Err.Code, res.Err.Detail, hdrs)
		} else {
			http10.WriteJSONH(c, res.Status, res.Body, hdrs)
		}
	} else {
		http10.WritePlainH(c, res.Status, res.Body, hdrs)
	}
}

func ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		atomic.AddUint64(&connCount, 1)
		go HandleConn(conn)
	}
}

// ListenAndServeCtx cierra el listener cuando ctx se cancela, dejando que el
// llamador (cmd/gatewayserver) coordine el apagado con errgroup.
func ListenAndServeCtx(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		atomic.AddUint64(&connCount, 1)
		go HandleConn(conn)
	}
}
