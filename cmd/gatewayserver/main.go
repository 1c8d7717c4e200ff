package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rpcgate/internal/router"
	"rpcgate/internal/server"
)

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getenvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	server.SetLogger(logger)

	router.InitPools(map[string]int{
		// básicos
		"workers.sleep": getenvInt("WORKERS_SLEEP", 2),
		"queue.sleep":   getenvInt("QUEUE_SLEEP", 8),
		"workers.spin":  getenvInt("WORKERS_SPIN", 2),
		"queue.spin":    getenvInt("QUEUE_SPIN", 8),

		// CPU
		"workers.isprime": getenvInt("WORKERS_ISPRIME", 2),
		"queue.isprime":   getenvInt("QUEUE_ISPRIME", 64),

		// IO
		"workers.hashfile": getenvInt("WORKERS_HASHFILE", 2),
		"queue.hashfile":   getenvInt("QUEUE_HASHFILE", 64),
	})

	addr := getenvStr("LISTEN_ADDR", ":8080")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", addr))
		return server.ListenAndServeCtx(gctx, addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		router.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
