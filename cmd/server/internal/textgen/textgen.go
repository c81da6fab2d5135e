package textgen

import (
	"context"
	"errors"
	"sync"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation call. System carries the active
// prompt content; it must never appear in logs or responses.
type Request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []Message `json:"messages"`
	System      string    `json:"-"`
}

// Response is the generation result with token accounting.
type Response struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Generator is the text-generation collaborator surface.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

var ErrNoModel = errors.New("model is required")

// Recorder is a Generator stub that captures requests and replays
// canned responses. It backs tests and the usage-stat update path.
type Recorder struct {
	mu        sync.Mutex
	requests  []Request
	responses []*Response
	err       error
}

// NewRecorder builds a Recorder that echoes the last user message when
// no canned responses are queued.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Queue appends a canned response.
func (r *Recorder) Queue(resp *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}

// Fail makes every subsequent Generate call return err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Requests returns a copy of every captured request.
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// Generate implements Generator.
func (r *Recorder) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, ErrNoModel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)

	if r.err != nil {
		return nil, r.err
	}
	if len(r.responses) > 0 {
		resp := r.responses[0]
		r.responses = r.responses[1:]
		return resp, nil
	}

	text := ""
	if n := len(req.Messages); n > 0 {
		text = req.Messages[n-1].Content
	}
	return &Response{Text: text, InputTokens: len(req.System) / 4, OutputTokens: len(text) / 4}, nil
}
