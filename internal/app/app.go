// Package app wires the registry, queues and world services into one server
// and routes client messages to them.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"loreline/internal/challenge"
	"loreline/internal/clock"
	"loreline/internal/config"
	"loreline/internal/effects"
	"loreline/internal/engine"
	"loreline/internal/engine/auth"
	"loreline/internal/llm"
	"loreline/internal/movement"
	"loreline/internal/narrative"
	"loreline/internal/pipeline"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/repo"
	"loreline/internal/scene"
	"loreline/internal/session"
	"loreline/internal/staging"
	"loreline/internal/worldstate"
)

type Options struct {
	Config *config.Config
	DB     *sql.DB
	// Reasoner and Images default to the offline collaborators named in config.
	Reasoner llm.Reasoner
	Images   llm.ImageGenerator
	Recorder session.Recorder
	Roller   challenge.Roller
	Logger   *log.Logger
	Tracer   trace.Tracer
	// Clock drives queue timestamps, approval expiry and staging waits.
	// Game time is separate and lives in world state.
	Clock clock.Clock
}

type App struct {
	Config     *config.Config
	Repo       repo.Repo
	Engine     engine.Engine
	Registry   *session.Registry
	States     *worldstate.Manager
	Queues     *queue.Set
	Pipeline   *pipeline.Pipeline
	Staging    *staging.Service
	Pending    *staging.PendingSet
	Movement   *movement.Service
	Challenges *challenge.Service
	Narrative  *narrative.Service
	Policy     auth.Policy
	Validator  *protocol.Validator
	Logger     *log.Logger
	Now        func() time.Time

	mu         sync.Mutex
	identities map[string]string
	// lifecycle orders world joins against the release of empty worlds.
	lifecycle sync.Mutex
}

// New builds an App from config. The caller owns the database.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("app: database is required")
	}
	now := clock.OrSystem(opts.Clock).Now
	policy, err := auth.DefaultPolicy().WithOverrides(cfg.Permissions)
	if err != nil {
		return nil, err
	}
	validator, err := protocol.DefaultValidator()
	if err != nil {
		return nil, err
	}
	backend, err := queueBackend(cfg, opts.DB)
	if err != nil {
		return nil, err
	}
	reasoner := opts.Reasoner
	if reasoner == nil {
		reasoner = ReasonerFor(cfg)
	}
	images := opts.Images
	if images == nil {
		images = llm.PlaceholderImages{}
	}

	r := repo.Repo{DB: opts.DB}
	eng := engine.New(opts.DB)
	eng.Now = now
	registry := session.NewRegistry(opts.Logger)
	registry.Recorder = opts.Recorder
	states := worldstate.NewManager(cfg.World.MaxConversationTurns)
	fx := effects.Executor{Engine: eng, Logger: opts.Logger}
	stg := &staging.Service{
		Repo: r, Engine: eng, Reasoner: reasoner,
		DefaultTTLHours: cfg.Staging.DefaultTTLHours, Seed: now().UnixNano(), Logger: opts.Logger,
	}
	pending := staging.NewPendingSet()
	mv := &movement.Service{
		Repo: r, Engine: eng, Staging: stg, Pending: pending,
		RequestTimeout: cfg.Staging.RequestTimeout, Now: now,
	}
	challenges := &challenge.Service{
		Repo: r, Engine: eng, Effects: fx, States: states, Roller: opts.Roller,
		ApprovalTimeout: cfg.Approvals.Timeout, Now: now,
	}
	events := &narrative.Service{
		Repo: r, Engine: eng, Effects: fx, States: states,
		ApprovalTimeout: cfg.Approvals.Timeout, Now: now,
	}
	a := &App{
		Config:     cfg,
		Repo:       r,
		Engine:     eng,
		Registry:   registry,
		States:     states,
		Queues:     queue.NewSet(backend),
		Staging:    stg,
		Pending:    pending,
		Movement:   mv,
		Challenges: challenges,
		Narrative:  events,
		Policy:     policy,
		Validator:  validator,
		Logger:     opts.Logger,
		Now:        now,
		identities: map[string]string{},
	}
	a.Pipeline = &pipeline.Pipeline{
		Queues:     a.Queues,
		States:     states,
		Out:        registry,
		Repo:       r,
		Reasoner:   reasoner,
		Images:     images,
		Staging:    stg,
		Pending:    pending,
		Movement:   mv,
		Scenes:     scene.Resolver{Repo: r, Facts: scene.RepoFacts{Repo: r}},
		Challenges: challenges,
		Narrative:  events,
		Config:     *cfg,
		StartedAt:  now(),
		Logger:     opts.Logger,
		Tracer:     opts.Tracer,
		Now:        now,
	}
	return a, nil
}

func queueBackend(cfg *config.Config, db *sql.DB) (queue.Backend, error) {
	switch cfg.Queues.Backend {
	case "memory":
		return queue.NewMemoryBackend(), nil
	case "sqlite", "":
		return queue.NewSQLiteBackend(db), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queues.Backend)
	}
}

// ReasonerFor picks the reasoning collaborator named by config.
func ReasonerFor(cfg *config.Config) llm.Reasoner {
	if cfg.LLM.Provider == "ollama" {
		return llm.NewOllama(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
	}
	return llm.NewScripted()
}

func (a *App) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf("app: "+format, args...)
		return
	}
	log.Printf("app: "+format, args...)
}

// Run drains the queues and runs the timers until ctx is done.
func (a *App) Run(ctx context.Context) {
	a.Pipeline.Run(ctx)
}

// Connect registers a new, unbound connection. A non-empty userID pins the
// connection to an authenticated user; JoinWorld must then name that user.
func (a *App) Connect(connID string, sender session.Sender, userID string) {
	a.Registry.Register(connID, sender)
	if userID != "" {
		a.mu.Lock()
		a.identities[connID] = userID
		a.mu.Unlock()
	}
}

func (a *App) identity(connID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.identities[connID]
	return id, ok
}

// Disconnect removes a connection. Its user leaves the world, and its PC's
// open challenge rolls and staging waits are dropped.
func (a *App) Disconnect(connID string) {
	a.mu.Lock()
	delete(a.identities, connID)
	a.mu.Unlock()
	res, ok := a.Registry.Leave(connID)
	if !ok {
		return
	}
	a.left(res)
}

func (a *App) left(res session.LeaveResult) {
	c := res.Conn
	if c.WorldID == "" {
		return
	}
	a.Registry.Broadcast(c.WorldID, protocol.New(protocol.TypeUserLeft, protocol.UserLeftMsg{UserID: c.UserID}))
	if c.PcID != "" {
		a.Challenges.Abandon(c.PcID)
		a.Pending.DropPC(c.PcID)
	}
	if res.WorldEmpty {
		a.release(c.WorldID)
	}
}

// release destroys a world's runtime state once its last connection is gone.
// Parked approvals are dropped along with the work queued for them, and open
// staging waits are closed.
func (a *App) release(worldID string) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if len(a.Registry.Users(worldID)) > 0 {
		return
	}
	st, ok := a.States.Get(worldID)
	if !ok {
		return
	}
	ctx := context.Background()
	approvals := st.Approvals()
	for _, ap := range approvals {
		if _, err := a.Queues.Cancel(ctx, worldID, ap.ID); err != nil {
			a.logf("cancel work for %s: %v", ap.ID, err)
		}
		if ap.CorrelationID != "" {
			if _, err := a.Queues.Cancel(ctx, worldID, ap.CorrelationID); err != nil {
				a.logf("cancel work for %s: %v", ap.CorrelationID, err)
			}
		}
	}
	waits := a.Pending.DropWorld(worldID)
	a.States.Remove(worldID)
	a.logf("world %s has no connections left; released %d approvals and %d staging waits", worldID, len(approvals), waits)
}
