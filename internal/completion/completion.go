// Package completion defines the port the conversation service uses to talk
// to a chat-completion model. Implementations live in sub-packages
// (see completion/openai).
package completion

import (
	"context"
	"errors"

	"github.com/sakif/chatdesk/internal/model"
)

// ErrEmptyReply is returned when the API answers 200 but with no choices.
var ErrEmptyReply = errors.New("completion: empty reply")

// Request is one chat-completion call. Messages must already contain the
// system instruction, if any, as their first element.
type Request struct {
	Model       string
	Messages    []model.Message
	MaxTokens   int
	Temperature float64
}

// Result is the assistant's reply plus the bookkeeping callers may log.
type Result struct {
	Content      string
	Model        string
	FinishReason string
	PromptTokens int
	ReplyTokens  int
	Attempts     int
}

// Completer runs a chat completion.
//
// Implementations must honour ctx cancellation, bound every attempt with a
// timeout and only retry failures that are transient (network errors, 429,
// 5xx).
type Completer interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}
