// Copyright 2024 The Monitor Authors.
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

// Package retry is the reference retry policy for callers on the OS side of
// the monitor's call surface. The monitor itself never blocks and never
// retries — a try-lock failure surfaces immediately as monitor_concurrent_call
// — so any backoff-and-retry loop belongs entirely on the caller's side of the
// boundary. This package is that loop, grounded on the specification's
// concurrency model ("the caller is expected to retry after a back-off of its
// choice").
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/enclavesm/monitor/internal/result"
)

// Call is a monitor call surface operation that can return
// result.ConcurrentCall.
type Call func() result.Code

// Policy retries a Call with exponential backoff while it returns
// result.ConcurrentCall, stopping as soon as it returns any other code
// (including a non-retryable error: retrying Ok or an invalid-argument
// rejection would never change the outcome).
type Policy struct {
	backoff *backoff.ExponentialBackOff
	limiter *rate.Limiter
}

// New builds a Policy using backoff's default exponential curve. If
// maxPerSecond is positive, retries are additionally rate-limited to that
// rate, so a caller hammering a contended region cannot busy-spin faster
// than maxPerSecond attempts per second regardless of how quickly the
// backoff curve would otherwise allow.
func New(maxPerSecond float64) *Policy {
	p := &Policy{backoff: backoff.NewExponentialBackOff()}
	if maxPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), 1)
	}
	return p
}

// Do runs call, retrying with backoff while it returns result.ConcurrentCall,
// until ctx is done or call returns any other code.
func (p *Policy) Do(ctx context.Context, call Call) result.Code {
	b := backoff.WithContext(p.backoff, ctx)
	b.Reset()

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return result.ConcurrentCall
			}
		}

		code := call()
		if code != result.ConcurrentCall {
			return code
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return result.ConcurrentCall
		}

		select {
		case <-ctx.Done():
			return result.ConcurrentCall
		case <-time.After(wait):
		}
	}
}
