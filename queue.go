// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// compactWatermark is the sent count above which drained counters reset.
const compactWatermark = 50

// ResponseFunc receives the raw result object of a call, or an error.
type ResponseFunc func(res json.RawMessage, err error)

// Queue correlates in-flight requests with their responses by transaction id.
// A transaction id leaves the table exactly once, through a matched response,
// Complete, Cancel or Close. Ids are never reused.
type Queue struct {
	mu        sync.Mutex
	pending   map[string]ResponseFunc
	tid       uint64
	sent      int
	completed int

	log     *zap.Logger
	metrics *Metrics
}

// NewQueue creates an empty pending table.
func NewQueue(log *zap.Logger, m *Metrics) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		pending: make(map[string]ResponseFunc),
		log:     log,
		metrics: m,
	}
}

// Register assigns the next transaction id to req and stores cb under it.
func (q *Queue) Register(req *Request, cb ResponseFunc) string {
	q.mu.Lock()
	q.tid++
	q.sent++
	tid := strconv.FormatUint(q.tid, 10)
	req.TransactionID = tid
	q.pending[tid] = cb
	q.mu.Unlock()

	q.metrics.addPending(1)
	return tid
}

// Resolve routes a single response object or an array of them. Responses
// whose tid is not pending are returned in arrival order.
func (q *Queue) Resolve(batch json.RawMessage) ([]json.RawMessage, error) {
	batch = bytes.TrimSpace(batch)
	var items []json.RawMessage
	if len(batch) > 0 && batch[0] == '[' {
		if err := json.Unmarshal(batch, &items); err != nil {
			return nil, newError(ErrInvalidResponse, "decode response batch", err)
		}
	} else {
		items = []json.RawMessage{batch}
	}

	var unmatched []json.RawMessage
	for _, item := range items {
		if !q.execute(item) {
			unmatched = append(unmatched, item)
		}
	}
	return unmatched, nil
}

func (q *Queue) execute(item json.RawMessage) bool {
	var head struct {
		TID json.RawMessage `json:"tid"`
	}
	if err := json.Unmarshal(item, &head); err != nil || len(head.TID) == 0 {
		return false
	}
	tid, err := parseTID(head.TID)
	if err != nil {
		return false
	}
	return q.Complete(tid, item, nil)
}

// parseTID accepts the tid as a JSON string or number.
func parseTID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Complete resolves tid directly, for transports where the correlation is
// implicit. It reports whether tid was pending.
func (q *Queue) Complete(tid string, res json.RawMessage, err error) bool {
	cb, ok := q.take(tid)
	if !ok {
		return false
	}
	invoke(cb, res, err)
	q.compact()
	return true
}

// Cancel drops tid without invoking its callback. It reports whether tid was
// still pending.
func (q *Queue) Cancel(tid string) bool {
	_, ok := q.take(tid)
	if ok {
		q.compact()
	}
	return ok
}

func (q *Queue) take(tid string) (ResponseFunc, bool) {
	q.mu.Lock()
	cb, ok := q.pending[tid]
	if ok {
		delete(q.pending, tid)
		q.completed++
	}
	q.mu.Unlock()

	if ok {
		q.metrics.addPending(-1)
	}
	return cb, ok
}

// invoke calls cb with the response. If cb panics it is called once more
// with the recovered error and a nil response.
func invoke(cb ResponseFunc, res json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			cb(nil, fmt.Errorf("quark: response callback: %v", r))
		}
	}()
	cb(res, err)
}

// Close fails every pending callback with err and returns how many there were.
func (q *Queue) Close(err error) int {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[string]ResponseFunc)
	q.completed += len(pending)
	q.mu.Unlock()

	q.metrics.addPending(-len(pending))
	for tid, cb := range pending {
		q.log.Debug("abandon pending call", zap.String("tid", tid))
		invoke(cb, nil, err)
	}
	q.compact()
	return len(pending)
}

// compact resets the counters once sent exceeds the watermark and every sent
// request has completed. Table entries are never evicted here.
func (q *Queue) compact() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sent > compactWatermark && q.completed >= q.sent {
		q.sent = 0
		q.completed = 0
	}
}

// Len returns the number of pending calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Counters returns the sent and completed counters.
func (q *Queue) Counters() (sent, completed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent, q.completed
}
