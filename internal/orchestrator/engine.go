package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/config"
	"github.com/fyrsmithlabs/devcrew/internal/logging"
	"github.com/fyrsmithlabs/devcrew/internal/secrets"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

const eventBuffer = 16

// Event is emitted once per executed node.
type Event struct {
	SessionID   string    `json:"session_id"`
	Node        string    `json:"node"`
	DeltaTrace  []string  `json:"delta_trace"`
	NewMessages []Message `json:"new_messages,omitempty"`
	Turn        int       `json:"turn"`
	Done        bool      `json:"done"`
	Err         string    `json:"error,omitempty"`
}

// Checkpointer persists session snapshots. *checkpoint.Service implements it.
type Checkpointer interface {
	Save(ctx context.Context, snap checkpoint.Snapshot) (checkpoint.Snapshot, error)
	Load(ctx context.Context, sessionID string) (checkpoint.Snapshot, error)
}

// Publisher receives a copy of every event. Publish errors are logged and
// never stop the session.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Deps are the collaborators of an Engine. Model, Templates, Tools and
// Checkpoints are required.
type Deps struct {
	Model       Model
	Templates   TemplateSource
	Tools       *tools.Registry
	Memory      MemorySnapshotter
	Scrubber    secrets.Scrubber
	Checkpoints Checkpointer
	Publisher   Publisher
	Metrics     *Metrics
	Logger      *logging.Logger
	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
	// Roles overrides DefaultRoles.
	Roles []RoleSpec
}

// Engine runs sessions through the control graph.
type Engine struct {
	cfg         config.OrchestratorConfig
	graph       *Graph
	specialists map[string]*Specialist
	checkpoints Checkpointer
	publisher   Publisher
	metrics     *Metrics
	logger      *logging.Logger
	tracer      trace.Tracer

	mu      sync.Mutex
	running map[string]bool
}

// NewEngine binds every role to its template and tool set and builds the
// control graph. A missing template or an unknown tool fails here.
func NewEngine(cfg config.OrchestratorConfig, deps Deps) (*Engine, error) {
	if deps.Model == nil {
		return nil, errors.New("orchestrator: model is required")
	}
	if deps.Templates == nil {
		return nil, errors.New("orchestrator: templates are required")
	}
	if deps.Tools == nil {
		return nil, errors.New("orchestrator: tool registry is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("orchestrator: checkpoint store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/fyrsmithlabs/devcrew/internal/orchestrator")
	}
	roles := deps.Roles
	if roles == nil {
		roles = DefaultRoles()
	}

	supTemplate, err := newRoleTemplate(deps.Templates, NodeSupervisor, deps.Logger)
	if err != nil {
		return nil, err
	}
	sup := &Supervisor{
		model:     deps.Model,
		template:  supTemplate,
		window:    cfg.SupervisorWindow,
		threshold: cfg.LoopThreshold,
		memUsage:  memoryUsage,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named(NodeSupervisor),
	}

	e := &Engine{
		cfg:         cfg,
		specialists: make(map[string]*Specialist, len(roles)),
		checkpoints: deps.Checkpoints,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		tracer:      deps.Tracer,
		running:     make(map[string]bool),
	}

	nodes := make(map[string]Node, len(roles))
	for _, spec := range roles {
		sp, err := newSpecialist(spec, cfg, deps)
		if err != nil {
			return nil, err
		}
		e.specialists[spec.Node] = sp
		nodes[spec.Node] = sp
	}

	g, err := buildGraph(sup, nodes, NodeFunc(reportNode))
	if err != nil {
		return nil, err
	}
	e.graph = g
	return e, nil
}

func newSpecialist(spec RoleSpec, cfg config.OrchestratorConfig, deps Deps) (*Specialist, error) {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	set, err := deps.Tools.Set(spec.Tools...)
	if err != nil {
		return nil, fmt.Errorf("binding tools for %s: %w", spec.Node, err)
	}
	tmpl, err := newRoleTemplate(deps.Templates, spec.Template, deps.Logger)
	if err != nil {
		return nil, err
	}
	return &Specialist{
		spec:          spec,
		template:      tmpl,
		tools:         set,
		model:         deps.Model,
		memory:        deps.Memory,
		scrubber:      deps.Scrubber,
		historyWindow: cfg.HistoryWindow,
		summaryCap:    cfg.SummaryCap,
		previewCap:    cfg.PreviewCap,
		maxToolSteps:  cfg.MaxToolSteps,
		memUsage:      memoryUsage,
		metrics:       deps.Metrics,
		logger:        deps.Logger.Named(spec.Node),
	}, nil
}

// Specialist returns the bound specialist for a node.
func (e *Engine) Specialist(node string) (*Specialist, error) {
	sp, ok := e.specialists[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, node)
	}
	return sp, nil
}

// Start begins a new session. An empty sessionID gets a generated one.
// The returned channel carries one Event per executed node and is closed
// when the session ends, fails or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, request, sessionID string) (<-chan Event, error) {
	if strings.TrimSpace(request) == "" {
		return nil, ErrEmptyRequest
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := logging.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}

	_, err := e.checkpoints.Load(ctx, sessionID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	case !errors.Is(err, checkpoint.ErrNotFound):
		return nil, fmt.Errorf("checking session %s: %w", sessionID, err)
	}

	if err := e.acquire(sessionID); err != nil {
		return nil, err
	}
	st := NewState(sessionID, request)
	if err := e.save(ctx, st); err != nil {
		e.release(sessionID)
		return nil, err
	}

	e.logger.Info(ctx, "session started",
		zap.String("session_id", sessionID),
		zap.Int("request_chars", len(request)),
	)
	out := make(chan Event, eventBuffer)
	go e.run(ctx, st, e.graph.Entry(), out)
	return out, nil
}

// Resume continues a session from its latest checkpoint. A session that
// failed clears its error and retries the node that failed.
func (e *Engine) Resume(ctx context.Context, sessionID string) (<-chan Event, error) {
	st, err := e.State(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Done {
		return nil, fmt.Errorf("%w: %s", ErrSessionFinished, sessionID)
	}

	start := e.graph.Entry()
	if st.Node != "" {
		start, err = e.graph.Next(st.Node, st)
		if err != nil {
			return nil, fmt.Errorf("resuming %s: %w", sessionID, err)
		}
	}

	if err := e.acquire(sessionID); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "session resumed",
		zap.String("session_id", sessionID),
		zap.String("from", st.Node),
		zap.String("next", start),
		zap.String("previous_error", st.Err),
	)
	st.Err = ""
	out := make(chan Event, eventBuffer)
	go e.run(ctx, st, start, out)
	return out, nil
}

// Run starts a session and blocks until it ends. onEvent, when non-nil,
// sees every event in order.
func (e *Engine) Run(ctx context.Context, request, sessionID string, onEvent func(Event)) (State, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	events, err := e.Start(ctx, request, sessionID)
	if err != nil {
		return State{}, err
	}
	return e.drain(ctx, sessionID, events, onEvent)
}

// ResumeAndWait resumes a session and blocks until it ends.
func (e *Engine) ResumeAndWait(ctx context.Context, sessionID string, onEvent func(Event)) (State, error) {
	events, err := e.Resume(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	return e.drain(ctx, sessionID, events, onEvent)
}

func (e *Engine) drain(ctx context.Context, sessionID string, events <-chan Event, onEvent func(Event)) (State, error) {
	var failure string
	for ev := range events {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Err != "" {
			failure = ev.Err
		}
	}
	st, err := e.State(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return State{}, err
	}
	if failure != "" {
		return st, fmt.Errorf("session %s failed: %s", sessionID, failure)
	}
	if err := ctx.Err(); err != nil && !st.Done {
		return st, err
	}
	return st, nil
}

// State returns the latest checkpointed state of a session.
func (e *Engine) State(ctx context.Context, sessionID string) (State, error) {
	return LoadState(ctx, e.checkpoints, sessionID)
}

// LoadState decodes the latest snapshot of a session without an engine.
func LoadState(ctx context.Context, checkpoints Checkpointer, sessionID string) (State, error) {
	snap, err := checkpoints.Load(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(snap.Data, &st); err != nil {
		return State{}, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return st, nil
}

// Running reports whether this engine is executing the session.
func (e *Engine) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[sessionID]
}

func (e *Engine) acquire(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[sessionID] {
		return fmt.Errorf("%w: %s", ErrSessionRunning, sessionID)
	}
	e.running[sessionID] = true
	return nil
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.running, sessionID)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, st State, node string, out chan<- Event) {
	defer close(out)
	defer e.release(st.SessionID)
	e.metrics.sessionStarted()
	defer e.metrics.sessionEnded()

	ctx = logging.WithSessionID(ctx, st.SessionID)
	var pending []string

	for {
		if st.Steps >= e.cfg.MaxSteps && node != NodeFinalReport {
			line := fmt.Sprintf("⚠️ [Turn %d] Step limit (%d) reached before %s; writing final report.\n", st.Turn, e.cfg.MaxSteps, node)
			pending = append(pending, line)
			e.metrics.stepLimitHit()
			e.logger.Warn(ctx, "step limit reached",
				zap.Int("max_steps", e.cfg.MaxSteps),
				zap.String("skipped_node", node),
			)
			node = NodeFinalReport
		}

		if err := ctx.Err(); err != nil {
			e.fail(ctx, st, node, Update{}, pending, fmt.Errorf("cancelled before %s: %w", node, err), out)
			return
		}

		u, err := e.step(ctx, st, node)
		if err != nil {
			e.fail(ctx, st, node, u, pending, err, out)
			return
		}
		if len(pending) > 0 {
			u.Trace = append(pending, u.Trace...)
			u.DeltaTrace = append(slices.Clone(pending), u.DeltaTrace...)
			pending = nil
		}

		st = st.Apply(u)
		st.Node = node
		st.Steps++
		if err := e.save(ctx, st); err != nil {
			e.logger.Error(ctx, "checkpoint save failed", zap.String("node", node), zap.Error(err))
			st.Err = err.Error()
			e.emit(ctx, out, eventFor(st, node, u.Messages))
			return
		}
		e.emit(ctx, out, eventFor(st, node, u.Messages))

		if e.graph.IsExit(node) {
			e.logger.Info(ctx, "session finished",
				zap.Int("steps", st.Steps),
				zap.Int("turn", st.Turn),
				zap.Int("messages", len(st.Messages)),
			)
			return
		}

		next, err := e.graph.Next(node, st)
		if err != nil {
			e.fail(ctx, st, node, Update{}, nil, err, out)
			return
		}
		node = next
	}
}

// step runs one node inside a span.
func (e *Engine) step(ctx context.Context, st State, node string) (Update, error) {
	n, ok := e.graph.Node(node)
	if !ok {
		return Update{}, fmt.Errorf("node %s not found", node)
	}
	ctx = logging.WithAgent(ctx, node, st.Turn)
	ctx, span := e.tracer.Start(ctx, "orchestrator."+node, trace.WithAttributes(
		attribute.String("session_id", st.SessionID),
		attribute.Int("turn", st.Turn),
		attribute.Int("step", st.Steps+1),
	))
	defer span.End()

	started := time.Now()
	u, err := n.Run(ctx, st)
	e.metrics.observeNode(node, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return u, err
	}
	e.logger.Debug(ctx, "node finished",
		zap.String("node", node),
		zap.Duration("elapsed", time.Since(started)),
	)
	return u, nil
}

// fail records err in the trace and the checkpoint without advancing Node,
// so Resume retries the node that failed. The messages and tool counts of
// partial are kept, since the tool calls behind them already happened.
func (e *Engine) fail(ctx context.Context, st State, node string, partial Update, pending []string, err error, out chan<- Event) {
	line := fmt.Sprintf("❌ [Turn %d] %s failed: %v\n", st.Turn, node, err)
	lines := append(slices.Clone(pending), line)
	st = st.Apply(Update{
		Messages:       partial.Messages,
		ToolCallCounts: partial.ToolCallCounts,
		Trace:          lines,
		DeltaTrace:     lines,
	})
	st.Err = err.Error()

	e.logger.Error(ctx, "node failed", zap.String("node", node), zap.Error(err))
	saveCtx := context.WithoutCancel(ctx)
	if serr := e.save(saveCtx, st); serr != nil {
		e.logger.Error(ctx, "checkpoint save failed", zap.String("node", node), zap.Error(serr))
	}
	e.emit(ctx, out, eventFor(st, node, partial.Messages))
}

func (e *Engine) save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", st.SessionID, err)
	}
	_, err = e.checkpoints.Save(ctx, checkpoint.Snapshot{
		SessionID: st.SessionID,
		Node:      st.Node,
		Turn:      st.Turn,
		Done:      st.Done,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("checkpointing session %s: %w", st.SessionID, err)
	}
	return nil
}

// emit publishes ev and hands it to the consumer. A consumer that went
// away with ctx does not block the session.
func (e *Engine) emit(ctx context.Context, out chan<- Event, ev Event) {
	if e.publisher != nil {
		if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			e.logger.Warn(ctx, "publishing event failed", zap.String("node", ev.Node), zap.Error(err))
		}
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func eventFor(st State, node string, msgs []Message) Event {
	return Event{
		SessionID:   st.SessionID,
		Node:        node,
		DeltaTrace:  st.DeltaTrace,
		NewMessages: msgs,
		Turn:        st.Turn,
		Done:        st.Done,
		Err:         st.Err,
	}
}
