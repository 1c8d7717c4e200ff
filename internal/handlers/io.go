package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"rpcgate/internal/resp"
)

/*
   ===============================================================
   Cancelación cooperativa
   ===============================================================
*/

func canceled(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func ctxErrResult(ctx context.Context) resp.Result {
	// 503 para trabajos cancelados/expirados
	if ctx == nil || ctx.Err() == nil {
		return resp.Unavail("canceled", "job canceled")
	}
	return resp.Unavail("canceled", ctx.Err().Error())
}

/*
   ===============================================================
   /hashfile?name=FILE&algo=sha256
   - Calcula hash SHA-256 streaming. Representative IO-bound tool: the
     gateway only needs one to exercise file reads under admission.
   Respuesta (orden estable):
     {"file":..., "algo":"sha256", "hex":"...", "elapsed_ms":N}
   ===============================================================
*/

func HashFileJSON(params map[string]string) resp.Result {
	return HashFileJSONCtx(context.Background(), params)
}

func HashFileJSONCtx(ctx context.Context, params map[string]string) resp.Result {
	name := params["name"]
	algo := params["algo"]
	if algo == "" {
		algo = "sha256"
	}
	if algo != "sha256" {
		return resp.BadReq("algo", "only sha256 is supported for now")
	}
	if name == "" {
		return resp.BadReq("name", "file name required")
	}
	path, ok := sanitize(name)
	if !ok {
		return resp.BadReq("bad_name", "invalid file name")
	}

	fp := filepath.Join(dataDir, path)
	f, err := os.Open(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return resp.NotFound("not_found", "file does not exist")
		}
		return resp.IntErr("fs_error", "open failed")
	}
	defer f.Close()

	start := time.Now()
	h := sha256.New()

	buf := make([]byte, 1<<20) // 1 MiB
	for {
		if canceled(ctx) {
			return ctxErrResult(ctx)
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return resp.IntErr("fs_error", "hash write error")
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return resp.IntErr("fs_error", "read error")
		}
	}

	type out struct {
		File      string `json:"file"`
		Algo      string `json:"algo"`
		Hex       string `json:"hex"`
		ElapsedMS int64  `json:"elapsed_ms"`
	}
	b, _ := json.Marshal(out{
		File: path, Algo: "sha256", Hex: hex.EncodeToString(h.Sum(nil)),
		ElapsedMS: time.Since(start).Milliseconds(),
	})
	return resp.JSONOK(string(b))
}
