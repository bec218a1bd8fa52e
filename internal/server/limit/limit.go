// Copyright 2023-2024 TTBT Enterprises LLC
//
// This file is part of c2tleQ (https://c2tleQ.org/).
//
// c2tleQ is free software: you can redistribute it and/or modify it under the
// terms of the GNU General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later
// version.
//
// c2tleQ is distributed in the hope that it will be useful, but WITHOUT ANY
// WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
// A PARTICULAR PURPOSE. See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along with
// c2tleQ. If not, see <https://www.gnu.org/licenses/>.

// Package limit bounds the number of concurrently processed requests.
// Signature verification is CPU bound; letting every connection verify at
// once only adds latency for everyone.
package limit

import (
	"container/list"
	"errors"
	"net/http"
	"sync"

	"c2tleQ/internal/log"
)

// ConnLimiter is an http.Handler that lets at most maxInFlight requests run
// at a time, queueing the rest.
type ConnLimiter struct {
	maxInQueue  int
	maxInFlight int
	next        http.Handler

	mu       sync.Mutex
	queue    *list.List
	inFlight int
}

// New returns a new http.Handler that limits connections to the given number
// of concurrent requests before passing the request to the next
// http.Handler. At most 50 times that number may wait in queue.
func New(max int, next http.Handler) *ConnLimiter {
	return &ConnLimiter{
		maxInQueue:  max * 50,
		maxInFlight: max,
		next:        next,
		queue:       list.New(),
	}
}

// Ticket returns a channel that will become ready when it is the caller's
// turn to proceed, or an error if there are too many connections in the
// queue.
func (c *ConnLimiter) Ticket() (<-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.Len() >= c.maxInQueue {
		return nil, errors.New("too many connections")
	}
	ch := make(chan struct{})
	if c.inFlight < c.maxInFlight {
		close(ch)
		c.inFlight++
	} else {
		c.queue.PushBack(ch)
	}
	return ch, nil
}

// Done must be called when Ticket returned successfully and the caller is
// done executing.
func (c *ConnLimiter) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.queue.Front(); e != nil {
		close(c.queue.Remove(e).(chan struct{}))
	} else {
		c.inFlight--
		if c.inFlight < 0 {
			log.Fatalf("inFlight = %d", c.inFlight)
		}
	}
}

// ServeHTTP implements http.Handler.
func (c *ConnLimiter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ch, err := c.Ticket()
	if err != nil {
		http.Error(w, "try again later", http.StatusTooManyRequests)
		return
	}
	select {
	case <-ch:
	case <-req.Context().Done():
		go func() {
			<-ch
			c.Done()
		}()
		return
	}
	defer c.Done()
	c.next.ServeHTTP(w, req)
}
