// ABOUTME: Async call correlation: id generation, the pending table, timeouts,
// ABOUTME: exactly-once settlement, and en-masse rejection on disconnect.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quetel/bridge/internal/protocol"
)

// Call failure modes.
var (
	ErrCallTimeout = errors.New("call timed out")
)

// CallError is a failure reported by the remote executor through an
// error result.
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// callOutcome is what a pending call resolves to, exactly once.
type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	ch    chan callOutcome
	timer *time.Timer
}

// callTable tracks in-flight calls by id.
type callTable struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{pending: make(map[string]*pendingCall)}
}

// newCallID builds a correlation id that is time-ordered for log
// legibility and suffixed with randomness for uniqueness.
func newCallID() string {
	return fmt.Sprintf("%d-%08x", time.Now().UnixMilli(), rand.Uint32())
}

// add registers a pending call and arms its timeout.
func (t *callTable) add(id string, timeout time.Duration) *pendingCall {
	pc := &pendingCall{ch: make(chan callOutcome, 1)}
	t.mu.Lock()
	t.pending[id] = pc
	t.mu.Unlock()

	pc.timer = time.AfterFunc(timeout, func() {
		t.resolve(id, callOutcome{err: ErrCallTimeout})
	})
	return pc
}

// resolve delivers an outcome to a pending call at most once. Late and
// duplicate resolutions find nothing in the table and are dropped.
func (t *callTable) resolve(id string, out callOutcome) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.ch <- out
}

// settle resolves a pending call from an inbound result frame.
func (t *callTable) settle(res *protocol.ResultData) {
	if res.Success {
		t.resolve(res.ID, callOutcome{result: res.Result})
		return
	}
	callErr := &CallError{Code: "call_failed", Message: "call failed"}
	if res.Error != nil {
		callErr = &CallError{Code: res.Error.Code, Message: res.Error.Message}
	}
	t.resolve(res.ID, callOutcome{err: callErr})
}

// rejectAll fails every pending call with the given error. Used on
// disconnect and close: a new connection is a new session, so results
// for old calls can never arrive.
func (t *callTable) rejectAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, pc := range pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- callOutcome{err: err}
	}
}

// Call invokes an action on the gateway and waits for the correlated
// result. instanceID may be nil for actions that are not bound to one
// instance. The returned bytes are the raw result payload.
func (c *Client) Call(ctx context.Context, instanceID *int64, action string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding call params: %w", err)
		}
		raw = data
	}

	id := newCallID()
	pc := c.calls.add(id, c.opts.CallTimeout)

	call := protocol.CallData{
		ID:         id,
		InstanceID: instanceID,
		Action:     action,
		Params:     raw,
	}
	if err := c.writeFrame(protocol.OpCall, call); err != nil {
		c.calls.resolve(id, callOutcome{err: err})
	}

	select {
	case out := <-pc.ch:
		return out.result, out.err
	case <-ctx.Done():
		c.calls.resolve(id, callOutcome{err: ctx.Err()})
		out := <-pc.ch
		return out.result, out.err
	}
}

// CallInto is Call plus decoding of the result payload into out.
func (c *Client) CallInto(ctx context.Context, instanceID *int64, action string, params, out any) error {
	raw, err := c.Call(ctx, instanceID, action, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", action, err)
	}
	return nil
}
