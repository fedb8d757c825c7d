// Copyright 2019 The gVisor Authors.
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

package eventchannel

import (
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/altp2m/pkg/atomicbitops"
)

// RateLimitedEmitter wraps an emitter and limits events to the given limits.
// Events that would exceed the limit are discarded and counted.
type RateLimitedEmitter struct {
	inner   Emitter
	limiter *rate.Limiter
	dropped atomicbitops.Uint64
}

// RateLimitedEmitterFrom creates a new event channel emitter that wraps the
// existing emitter and enforces rate limits. The limits are imposed via a
// token bucket, with `maxRate` events per second, with burst size of `burst`
// events.
func RateLimitedEmitterFrom(inner Emitter, maxRate float64, burst int) *RateLimitedEmitter {
	return &RateLimitedEmitter{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(maxRate), burst),
	}
}

// Emit implements Emitter.Emit.
func (rle *RateLimitedEmitter) Emit(msg proto.Message) (bool, error) {
	if !rle.limiter.Allow() {
		rle.dropped.Add(1)
		return false, nil
	}
	return rle.inner.Emit(msg)
}

// Close implements Emitter.Close.
func (rle *RateLimitedEmitter) Close() error {
	return rle.inner.Close()
}

// Dropped returns the number of events discarded so far.
func (rle *RateLimitedEmitter) Dropped() uint64 {
	return rle.dropped.Load()
}
