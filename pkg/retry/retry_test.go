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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/enclavesm/monitor/internal/result"
)

func TestDoStopsOnFirstNonConcurrentResult(t *testing.T) {
	p := New(0)
	calls := 0
	code := p.Do(context.Background(), func() result.Code {
		calls++
		return result.InvalidValue
	})
	if code != result.InvalidValue {
		t.Fatalf("Do = %v, want InvalidValue", code)
	}
	if calls != 1 {
		t.Fatalf("call count = %d, want 1: a non-retryable code must not be retried", calls)
	}
}

func TestDoRetriesConcurrentCallUntilSuccess(t *testing.T) {
	p := New(0)
	calls := 0
	code := p.Do(context.Background(), func() result.Code {
		calls++
		if calls < 3 {
			return result.ConcurrentCall
		}
		return result.Ok
	})
	if code != result.Ok {
		t.Fatalf("Do = %v, want Ok", code)
	}
	if calls != 3 {
		t.Fatalf("call count = %d, want 3", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	code := p.Do(ctx, func() result.Code {
		calls++
		return result.ConcurrentCall
	})
	if code != result.ConcurrentCall {
		t.Fatalf("Do = %v, want ConcurrentCall", code)
	}
	if calls != 1 {
		t.Fatalf("call count = %d, want 1: a cancelled context must stop retries before the first backoff wait", calls)
	}
}

func TestDoRateLimitsRetries(t *testing.T) {
	p := New(100)
	calls := 0
	start := time.Now()
	code := p.Do(context.Background(), func() result.Code {
		calls++
		if calls < 2 {
			return result.ConcurrentCall
		}
		return result.Ok
	})
	if code != result.Ok {
		t.Fatalf("Do = %v, want Ok", code)
	}
	if elapsed := time.Since(start); elapsed < time.Second/100 {
		t.Fatalf("elapsed = %v, want >= %v: two attempts at 100 per second must be at least one limiter interval apart", elapsed, time.Second/100)
	}
}
