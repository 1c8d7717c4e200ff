// internal/handlers/cpu.go
//
// Representative CPU-bound handler: this package no longer carries the
// teacher's full numeric suite (factor/pi/mandelbrot/matrixmul) — the
// admission gateway only needs enough stand-in tools to hold a capacity
// unit for a bounded time, and isprime already exercises both algorithm
// selection and cooperative cancellation.
//
//   /isprime?n=NUM[&method=division|miller-rabin]
package handlers

import (
	"context"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"time"

	"rpcgate/internal/resp"
)

// ============================================================================
// /isprime — primalidad con dos métodos: "division" (por √n) y "miller-rabin".
// - Parám. requeridos: n (>=0)
// - Parám. opcional : method=division|miller-rabin (por defecto: division)
// - Cancelación     : chequeos periódicos de ctx.Done()
// - JSON (ordenado) : { "n", "is_prime", "method", "elapsed_ms" }
// ============================================================================
func IsPrimeJSONCtx(ctx context.Context, params map[string]string) resp.Result {
	n64, err := strconv.ParseInt(params["n"], 10, 64)
	if err != nil || n64 < 0 {
		return resp.BadReq("n", "n must be integer >= 0")
	}

	method := params["method"]
	if method == "" {
		method = "division"
	}
	if method != "division" && method != "miller-rabin" {
		return resp.BadReq("method", "use method=division|miller-rabin")
	}

	n := n64
	start := time.Now()

	type outT struct {
		N       int64  `json:"n"`
		IsPrime bool   `json:"is_prime"`
		Method  string `json:"method"`
		Elapsed int64  `json:"elapsed_ms"`
	}
	out := outT{N: n, IsPrime: false, Method: method}

	switch method {
	case "division":
		switch {
		case n < 2:
			// nada: sigue en false
		case n == 2 || n == 3:
			out.IsPrime = true
		default:
			if n%2 == 0 {
				// compuesto
			} else {
				prime := true
				limit := int64(math.Sqrt(float64(n)))
				for d := int64(3); d <= limit; d += 2 {
					if d&1023 == 0 {
						select {
						case <-ctx.Done():
							return resp.Unavail("canceled", "job canceled")
						default:
						}
					}
					if n%d == 0 {
						prime = false
						break
					}
				}
				out.IsPrime = prime
			}
		}
	case "miller-rabin":
		out.IsPrime = mrIsPrime64Ctx(ctx, uint64(n))
	}

	out.Elapsed = time.Since(start).Milliseconds()
	b, _ := json.Marshal(out)
	return resp.JSONOK(string(b))
}

// mrIsPrime64Ctx: Miller–Rabin determinístico para uint64.
// - Usa bases conocidas que garantizan exactitud en 64 bits.
// - Respeta ctx mediante chequeos periódicos.
func mrIsPrime64Ctx(ctx context.Context, n uint64) bool {
	if n < 2 {
		return false
	}
	small := [...]uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}
	for _, p := range small {
		if n == p {
			return true
		}
		if n%p == 0 && n != p {
			return false
		}
	}

	r := 0
	d := n - 1
	for d&1 == 0 {
		d >>= 1
		r++
	}

	bases := [...]uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}
	nBI := new(big.Int).SetUint64(n)
	dBI := new(big.Int).SetUint64(d)

	for i, a := range bases {
		if i&1 == 0 {
			select {
			case <-ctx.Done():
				return false
			default:
			}
		}
		if a%n == 0 {
			continue
		}
		x := new(big.Int).Exp(new(big.Int).SetUint64(a), dBI, nBI)
		if x.Sign() == 0 || x.Cmp(big.NewInt(1)) == 0 || x.Cmp(new(big.Int).Sub(nBI, big.NewInt(1))) == 0 {
			continue
		}
		composite := true
		for j := 1; j < r; j++ {
			select {
			case <-ctx.Done():
				return false
			default:
			}
			x.Mul(x, x)
			x.Mod(x, nBI)
			if x.Cmp(new(big.Int).Sub(nBI, big.NewInt(1))) == 0 {
				composite = false
				break
			}
		}
		if composite {
			return false
		}
	}
	return true
}
