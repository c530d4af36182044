package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Scripted is an offline Reasoner. Replies are served per purpose in order;
// once exhausted the last reply repeats. Purposes without a script fall back
// to Default.
type Scripted struct {
	Default func(req Request) (string, error)

	mu      sync.Mutex
	replies map[string][]string
	calls   []Request
}

func NewScripted() *Scripted {
	return &Scripted{replies: map[string][]string{}}
}

// Script queues replies for a purpose.
func (s *Scripted) Script(purpose string, replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[purpose] = append(s.replies[purpose], replies...)
}

func (s *Scripted) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	queue := s.replies[req.Purpose]
	if len(queue) > 0 {
		reply := queue[0]
		if len(queue) > 1 {
			s.replies[req.Purpose] = queue[1:]
		}
		s.mu.Unlock()
		return reply, nil
	}
	s.mu.Unlock()
	if s.Default != nil {
		return s.Default(req)
	}
	return offlineReply(req), nil
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

func offlineReply(req Request) string {
	switch req.Purpose {
	case PurposeStaging:
		return "[]"
	case PurposeOutcome:
		return "1. The moment hangs in the air.\n2. Something shifts in the shadows.\n3. The world answers in its own time."
	}
	line := strings.TrimSpace(req.Prompt)
	if i := strings.LastIndex(line, "\n"); i >= 0 {
		line = line[i+1:]
	}
	return fmt.Sprintf("The world takes note: %s", line)
}

// PlaceholderImages returns deterministic asset URLs without a generation service.
type PlaceholderImages struct {
	BaseURL string
}

func (p PlaceholderImages) Generate(ctx context.Context, req ImageRequest) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	base := p.BaseURL
	if base == "" {
		base = "asset://placeholder"
	}
	return Image{URL: fmt.Sprintf("%s/%s/%s.png", strings.TrimRight(base, "/"), req.EntityType, req.EntityID)}, nil
}
