package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alignedwithwhat/engine/core"
)

// MockGateway is a scriptable in-memory Gateway used by tests and the
// quick-test endpoint when no API key is configured.
type MockGateway struct {
	mu sync.Mutex

	// Respond computes the reply for a call. When nil a canned echo
	// response is produced.
	Respond func(model, system, prompt string, params Params) (string, error)

	// FailKinds injects one classified failure per matching prompt
	// substring, consumed in order.
	failures []scriptedFailure

	// Delay is applied per call, observing context cancellation.
	Delay time.Duration

	calls []MockCall
}

// MockCall records one invocation.
type MockCall struct {
	Model  string
	System string
	Prompt string
	Params Params
}

type scriptedFailure struct {
	substr string
	kind   core.ErrorKind
	times  int
}

// NewMockGateway creates an empty mock.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// FailWith schedules the next n calls whose prompt contains substr to
// fail with the given kind.
func (m *MockGateway) FailWith(substr string, kind core.ErrorKind, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, scriptedFailure{substr: substr, kind: kind, times: n})
}

// Calls returns a copy of the recorded invocations.
func (m *MockGateway) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded invocations.
func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Invoke implements Gateway.
func (m *MockGateway) Invoke(ctx context.Context, model, system, prompt string, params Params) (*Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Model: model, System: system, Prompt: prompt, Params: params})
	var fail *scriptedFailure
	for i := range m.failures {
		f := &m.failures[i]
		if f.times > 0 && (f.substr == "" || strings.Contains(prompt, f.substr)) {
			f.times--
			fail = f
			break
		}
	}
	delay := m.Delay
	respond := m.Respond
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, NewError(core.ErrKindTimeout, model, 0, ctx.Err())
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, NewError(core.ErrKindTimeout, model, 0, err)
	}

	if fail != nil {
		return nil, NewError(fail.kind, model, 0, fmt.Errorf("scripted %s failure", fail.kind))
	}

	text := fmt.Sprintf("mock response from %s", model)
	if respond != nil {
		var err error
		text, err = respond(model, system, prompt, params)
		if err != nil {
			return nil, err
		}
	}

	return &Completion{
		Text:             text,
		FinishReason:     "stop",
		PromptTokens:     (len(system) + len(prompt)) / 4,
		CompletionTokens: len(text) / 4,
		TotalTokens:      (len(system) + len(prompt) + len(text)) / 4,
		Model:            model,
	}, nil
}
