package calls

import (
	"context"
	"fmt"
	"sync"
)

// MemoryChannel is an in-process Channel. Two controllers sharing one
// MemoryChannel can complete a full call without any network signaling.
// Useful for tests and single-process deployments.
type MemoryChannel struct {
	mu      sync.Mutex
	records map[string]Record
	logs    map[logKey][]Candidate

	recordSubs map[string]map[*mailbox]func(Record, bool)
	candSubs   map[logKey]map[*mailbox]func(Candidate)

	fault func(op string) error
}

type logKey struct {
	callID string
	log    LogName
}

var _ Channel = (*MemoryChannel)(nil)

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		records:    make(map[string]Record),
		logs:       make(map[logKey][]Candidate),
		recordSubs: make(map[string]map[*mailbox]func(Record, bool)),
		candSubs:   make(map[logKey]map[*mailbox]func(Candidate)),
	}
}

// SetFault installs a hook consulted before every operation; a non-nil
// return is reported as a channel error. Pass nil to clear.
func (c *MemoryChannel) SetFault(fn func(op string) error) {
	c.mu.Lock()
	c.fault = fn
	c.mu.Unlock()
}

func (c *MemoryChannel) check(op string) error {
	if c.fault == nil {
		return nil
	}
	if err := c.fault(op); err != nil {
		return ChannelError(op, err)
	}
	return nil
}

func (c *MemoryChannel) CreateRecord(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("create"); err != nil {
		return err
	}
	if _, ok := c.records[rec.CallID]; ok {
		return ErrAlreadyExists
	}
	c.records[rec.CallID] = cloneRecord(rec)
	c.notifyRecordLocked(rec.CallID)
	return nil
}

func (c *MemoryChannel) GetRecord(ctx context.Context, callID string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("get"); err != nil {
		return Record{}, false, err
	}
	rec, ok := c.records[callID]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (c *MemoryChannel) UpdateRecord(ctx context.Context, callID string, u Update, conds ...Precondition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("update"); err != nil {
		return err
	}
	rec, ok := c.records[callID]
	if !ok {
		return ErrNotFound
	}
	if err := CheckPreconditions(rec, conds); err != nil {
		return err
	}
	next := u.Apply(cloneRecord(rec))
	if err := next.Validate(); err != nil {
		return fmt.Errorf("update %s: %w", callID, err)
	}
	c.records[callID] = next
	c.notifyRecordLocked(callID)
	return nil
}

func (c *MemoryChannel) DeleteRecord(ctx context.Context, callID string, conds ...Precondition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("delete"); err != nil {
		return err
	}
	rec, ok := c.records[callID]
	if !ok {
		return ErrNotFound
	}
	if err := CheckPreconditions(rec, conds); err != nil {
		return err
	}
	delete(c.records, callID)
	c.notifyRecordLocked(callID)
	return nil
}

func (c *MemoryChannel) SubscribeRecord(ctx context.Context, callID string, fn func(Record, bool)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("subscribe_record"); err != nil {
		return nil, err
	}
	mb := newMailbox()
	subs := c.recordSubs[callID]
	if subs == nil {
		subs = make(map[*mailbox]func(Record, bool))
		c.recordSubs[callID] = subs
	}
	subs[mb] = fn

	rec, ok := c.records[callID]
	rec = cloneRecord(rec)
	mb.push(func() { fn(rec, ok) })

	return SubscriptionFunc(func() {
		c.mu.Lock()
		delete(c.recordSubs[callID], mb)
		if len(c.recordSubs[callID]) == 0 {
			delete(c.recordSubs, callID)
		}
		c.mu.Unlock()
		mb.close()
	}), nil
}

func (c *MemoryChannel) AppendCandidate(ctx context.Context, callID string, log LogName, cand Candidate) error {
	if !log.Valid() {
		return fmt.Errorf("%w: log %q", ErrInvalidArgument, log)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("append_candidate"); err != nil {
		return err
	}
	k := logKey{callID, log}
	c.logs[k] = append(c.logs[k], cand)
	for mb, fn := range c.candSubs[k] {
		fn := fn
		mb.push(func() { fn(cand) })
	}
	return nil
}

func (c *MemoryChannel) SubscribeCandidates(ctx context.Context, callID string, log LogName, fn func(Candidate)) (Subscription, error) {
	if !log.Valid() {
		return nil, fmt.Errorf("%w: log %q", ErrInvalidArgument, log)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("subscribe_candidates"); err != nil {
		return nil, err
	}
	k := logKey{callID, log}
	mb := newMailbox()
	subs := c.candSubs[k]
	if subs == nil {
		subs = make(map[*mailbox]func(Candidate))
		c.candSubs[k] = subs
	}
	subs[mb] = fn
	for _, cand := range c.logs[k] {
		cand := cand
		mb.push(func() { fn(cand) })
	}

	return SubscriptionFunc(func() {
		c.mu.Lock()
		delete(c.candSubs[k], mb)
		if len(c.candSubs[k]) == 0 {
			delete(c.candSubs, k)
		}
		c.mu.Unlock()
		mb.close()
	}), nil
}

func (c *MemoryChannel) DeleteAllCandidates(ctx context.Context, callID string, log LogName) error {
	if !log.Valid() {
		return fmt.Errorf("%w: log %q", ErrInvalidArgument, log)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check("delete_candidates"); err != nil {
		return err
	}
	delete(c.logs, logKey{callID, log})
	return nil
}

// Candidates returns a copy of one log.
func (c *MemoryChannel) Candidates(callID string, log LogName) []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.logs[logKey{callID, log}]
	out := make([]Candidate, len(src))
	copy(out, src)
	return out
}

func (c *MemoryChannel) notifyRecordLocked(callID string) {
	rec, ok := c.records[callID]
	for mb, fn := range c.recordSubs[callID] {
		fn := fn
		snapshot := cloneRecord(rec)
		mb.push(func() { fn(snapshot, ok) })
	}
}

func cloneRecord(r Record) Record {
	if r.Offer != nil {
		o := *r.Offer
		r.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		r.Answer = &a
	}
	if r.JoinedAt != nil {
		t := *r.JoinedAt
		r.JoinedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	return r
}

// mailbox runs queued callbacks one at a time on its own goroutine so
// subscribers never run under the channel lock.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) push(f func()) {
	m.mu.Lock()
	if !m.closed {
		m.queue = append(m.queue, f)
		m.cond.Signal()
	}
	m.mu.Unlock()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		f := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		f()
	}
}
