// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package litert

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when the wait queue has no room left.
	ErrQueueFull = errors.New("request queue is full")
	// ErrRequestTimeout is returned when a request waited longer than the
	// configured timeout for a slot.
	ErrRequestTimeout = errors.New("request timed out waiting in queue")
)

// RequestQueueConfig configures backpressure.
type RequestQueueConfig struct {
	// MaxConcurrentRequests is the number of requests processed at once
	// (0 = CPU count).
	MaxConcurrentRequests int
	// MaxQueueSize is the number of requests allowed to wait (0 = unbounded).
	MaxQueueSize int
	// RequestTimeout bounds the wait for a slot (0 = wait for the request
	// context only).
	RequestTimeout time.Duration
}

// QueueStats is a snapshot of the queue.
type QueueStats struct {
	MaxConcurrent int    `json:"max_concurrent"`
	MaxQueueSize  int    `json:"max_queue_size"`
	CurrentActive int64  `json:"current_active"`
	CurrentQueued int64  `json:"current_queued"`
	TotalRejected uint64 `json:"total_rejected"`
	TotalTimedOut uint64 `json:"total_timed_out"`
}

// RequestQueue limits concurrent generation requests and queues the rest.
type RequestQueue struct {
	config RequestQueueConfig
	sem    *semaphore.Weighted
	logger *zap.Logger

	active   atomic.Int64
	queued   atomic.Int64
	rejected atomic.Uint64
	timedOut atomic.Uint64
}

// NewRequestQueue creates a request queue.
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = runtime.NumCPU()
	}
	logger.Info("Request queue initialized",
		zap.Int("max_concurrent", config.MaxConcurrentRequests),
		zap.Int("max_queue_size", config.MaxQueueSize),
		zap.Duration("timeout", config.RequestTimeout))
	return &RequestQueue{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrentRequests)),
		logger: logger,
	}
}

// Acquire blocks until a slot is free. The returned release func must be
// called once the request is done.
func (q *RequestQueue) Acquire(ctx context.Context) (func(), error) {
	if q.sem.TryAcquire(1) {
		return q.admitted(), nil
	}

	if q.config.MaxQueueSize > 0 && q.queued.Load() >= int64(q.config.MaxQueueSize) {
		q.rejected.Add(1)
		RecordQueueRejection()
		q.logger.Warn("Rejecting request, queue is full",
			zap.Int64("queued", q.queued.Load()),
			zap.Int("max_queue_size", q.config.MaxQueueSize))
		return nil, ErrQueueFull
	}

	q.queued.Add(1)
	defer q.queued.Add(-1)

	waitCtx := ctx
	if q.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := q.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.timedOut.Add(1)
		RecordQueueTimeout()
		return nil, ErrRequestTimeout
	}
	RecordQueueWaitTime(time.Since(start).Seconds())
	return q.admitted(), nil
}

func (q *RequestQueue) admitted() func() {
	q.active.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			q.active.Add(-1)
			q.sem.Release(1)
		}
	}
}

// Stats returns a snapshot of the queue.
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		MaxConcurrent: q.config.MaxConcurrentRequests,
		MaxQueueSize:  q.config.MaxQueueSize,
		CurrentActive: q.active.Load(),
		CurrentQueued: q.queued.Load(),
		TotalRejected: q.rejected.Load(),
		TotalTimedOut: q.timedOut.Load(),
	}
}

type queueErrorResponse struct {
	Error string `json:"error"`
}

// WriteQueueFullResponse writes a 503 with a Retry-After hint.
func WriteQueueFullResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = encoder.NewStreamEncoder(w).Encode(queueErrorResponse{Error: ErrQueueFull.Error()})
}

// WriteTimeoutResponse writes a 504 for requests that never got a slot.
func WriteTimeoutResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGatewayTimeout)
	_ = encoder.NewStreamEncoder(w).Encode(queueErrorResponse{Error: ErrRequestTimeout.Error()})
}
