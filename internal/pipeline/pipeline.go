// Package pipeline drains the work queues that carry a player action through
// model reasoning and DM approval, and runs the approval and staging timers.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"loreline/internal/challenge"
	"loreline/internal/config"
	"loreline/internal/llm"
	"loreline/internal/movement"
	"loreline/internal/narrative"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/repo"
	"loreline/internal/scene"
	"loreline/internal/staging"
	"loreline/internal/worldstate"
)

const defaultTimerInterval = time.Second

// Outbox routes messages to the connections of a world.
type Outbox interface {
	Broadcast(worldID string, env protocol.Envelope) int
	SendToDM(worldID string, env protocol.Envelope) error
	SendToPlayer(worldID, pcID string, env protocol.Envelope) error
	HasDM(worldID string) bool
}

type Pipeline struct {
	Queues     *queue.Set
	States     *worldstate.Manager
	Out        Outbox
	Repo       repo.Repo
	Reasoner   llm.Reasoner
	Images     llm.ImageGenerator
	Staging    *staging.Service
	Pending    *staging.PendingSet
	Movement   *movement.Service
	Scenes     scene.Resolver
	Challenges *challenge.Service
	Narrative  *narrative.Service
	Config     config.Config
	// StartedAt bounds crash recovery to items claimed by earlier processes.
	StartedAt     time.Time
	TimerInterval time.Duration
	Logger        *log.Logger
	Tracer        trace.Tracer
	Now           func() time.Time
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf("pipeline: "+format, args...)
		return
	}
	log.Printf("pipeline: "+format, args...)
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Workers builds one worker per queue. The asset queue always runs a single
// worker to respect generation-service rate limits.
func (p *Pipeline) Workers() []*queue.Worker {
	handlers := map[queue.Name]queue.Handler{
		queue.PlayerAction:    p.handlePlayerAction,
		queue.Reasoning:       p.handleReasoning,
		queue.Approval:        p.handleApproval,
		queue.AssetGeneration: p.handleAsset,
	}
	out := make([]*queue.Worker, 0, len(queue.Names))
	for _, name := range queue.Names {
		n := p.Config.WorkersFor(string(name))
		if name == queue.AssetGeneration {
			n = 1
		}
		out = append(out, &queue.Worker{
			Queue:        p.Queues.Get(name),
			Handler:      handlers[name],
			Concurrency:  n,
			PollInterval: p.Config.Queues.PollInterval,
			Heartbeat:    p.Config.Queues.LeaseTimeout / 3,
			Logger:       p.Logger,
			Tracer:       p.Tracer,
			Now:          p.Now,
		})
	}
	return out
}

// Maintainer returns the recovery and cleanup loop for the queues.
func (p *Pipeline) Maintainer() *queue.Maintainer {
	return &queue.Maintainer{
		Set:              p.Queues,
		StartedAt:        p.StartedAt,
		LeaseTimeout:     p.Config.Queues.LeaseTimeout,
		RecoveryInterval: p.Config.Queues.RecoveryInterval,
		CleanupInterval:  p.Config.Queues.CleanupInterval,
		Retention:        p.Config.Queues.HistoryRetention,
		ExpireAfter:      p.Config.Queues.HistoryRetention,
		Logger:           p.Logger,
		Now:              p.Now,
	}
}

// Run drains every queue and runs the timers until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.Workers() {
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.Maintainer().Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.runTimers(ctx)
	}()
	p.logf("running %d queues", len(queue.Names))
	wg.Wait()
}

func (p *Pipeline) runTimers(ctx context.Context) {
	interval := p.TimerInterval
	if interval <= 0 {
		interval = defaultTimerInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ExpireApprovals(ctx)
			p.ExpireStaging(ctx)
		}
	}
}

func (p *Pipeline) enqueue(ctx context.Context, name queue.Name, it queue.NewItem) (queue.Item, error) {
	if it.MaxAttempts == 0 {
		it.MaxAttempts = p.Config.Queues.MaxAttempts
	}
	out, err := p.Queues.Get(name).Enqueue(ctx, it)
	if err != nil {
		return queue.Item{}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return out, nil
}

func (p *Pipeline) state(worldID string) (*worldstate.State, bool) {
	return p.States.Get(worldID)
}

// recent returns the last n conversation lines of a world as prompt text.
func (p *Pipeline) recent(worldID string, n int) []string {
	st, ok := p.state(worldID)
	if !ok {
		return nil
	}
	var out []string
	for _, e := range st.Conversation(n) {
		out = append(out, e.Speaker+": "+e.Text)
	}
	return out
}
