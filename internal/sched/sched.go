// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package sched stands in for the threading/scheduling primitive spec.md §1
// lists as out of scope: a goroutine plays the role of a kernel thread, and
// Semaphore plays the role of Pintos's struct semaphore, used one-shot for
// the load and exec handshakes between parent and child (spec.md §4.4, §9).
package sched

import "sync"

// Semaphore is a classic counting semaphore. The subsystem only ever uses
// it one-shot (initialized to 0, Up'd exactly once, Down'd by at most one
// waiter, since each Up releases a single Down), so no condition-variable
// machinery beyond this is needed.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int
}

// NewSemaphore returns a semaphore initialized to the given value (spec.md
// process fields start both the load and exec semaphores at 0).
func NewSemaphore(value int) *Semaphore {
	s := &Semaphore{value: value}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Down blocks until the semaphore's value is positive, then decrements it.
func (s *Semaphore) Down() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.value == 0 {
		s.cond.Wait()
	}
	s.value--
}

// Up increments the semaphore's value and wakes one waiter.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.value++
	s.mu.Unlock()

	s.cond.Signal()
}

// Spawn runs fn in a new goroutine, the stand-in for thread_create. It
// returns immediately; fn is responsible for any handshake it owes its
// parent (see proc.Spawn).
func Spawn(fn func()) {
	go fn()
}
