// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// ThrottledWriter limita a taxa de push para um slave com um token bucket.
// O burst é amarrado à janela de transferência para que um frame inteiro
// nunca exceda uma reserva.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter embrulha w com o limite em bytes/segundo.
// Com bytesPerSec <= 0 retorna w sem throttle (bypass).
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec, burst int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	if burst > bytesPerSec {
		burst = bytesPerSec
	}
	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(burst)),
		ctx:     ctx,
	}
}

// Write consome tokens antes de repassar os bytes, quebrando escritas
// maiores que o burst em pedaços.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	total := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return total, err
		}

		n, err := tw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}

	return total, nil
}
