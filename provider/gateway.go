// Package provider abstracts the upstream model APIs behind a single
// gateway interface. Every dispatch in the engine, subject or judge,
// goes through a Gateway.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alignedwithwhat/engine/core"
)

// Params are the sampling parameters for a single invocation.
type Params struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
	Seed        *int
}

// Judge invocations pin sampling so repeated evaluation of the same
// responses stays reproducible.
const deterministicSeed = 1234

// Deterministic returns the pinned judge sampling profile.
func Deterministic() Params {
	seed := deterministicSeed
	return Params{
		MaxTokens:   4096,
		Temperature: 0,
		TopP:        0,
		Seed:        &seed,
	}
}

// IsDeterministic reports whether the params match the pinned profile
// in everything that affects sampling.
func (p Params) IsDeterministic() bool {
	return p.Temperature == 0 && p.TopP == 0 && p.Seed != nil && *p.Seed == deterministicSeed
}

// FromGenParams converts the persisted run parameter form.
func FromGenParams(g core.GenParams) Params {
	return Params{
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		TopP:        g.TopP,
		Seed:        g.Seed,
	}
}

// ToGenParams converts back to the persisted form.
func (p Params) ToGenParams() core.GenParams {
	return core.GenParams{
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Seed:        p.Seed,
	}
}

// Completion is a successful invocation result.
type Completion struct {
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Latency          time.Duration
	Model            string
}

// Gateway dispatches one prompt to one model and returns its output.
type Gateway interface {
	Invoke(ctx context.Context, model, system, prompt string, params Params) (*Completion, error)
}

// Error is a classified gateway failure.
type Error struct {
	Kind       core.ErrorKind
	Model      string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (%s, http %d): %v", e.Model, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s (%s): %v", e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind core.ErrorKind, model string, status int, err error) *Error {
	return &Error{Kind: kind, Model: model, StatusCode: status, Err: err}
}

// KindOf extracts the error kind from any error in the chain. Plain
// context deadline errors classify as timeouts; everything else
// unclassified is a transport failure.
func KindOf(err error) core.ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ErrKindTimeout
	}
	return core.ErrKindTransportFailure
}

// Retryable reports whether another attempt may help.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
