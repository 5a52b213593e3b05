package engine

import (
	"log/slog"
	"sync"

	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/protocol"
)

/*
* The central registry for all executable command components.
* It holds the action run for each mutating message type and the named
* modifiers a configured pipeline may put in front of it.
 */
type Registry struct {
	logger   *slog.Logger
	actions  map[protocol.MessageType]pipeline.ActionFunc
	actionMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFunc
	modifierMu sync.RWMutex

	limiter *windowLimiter
}

// New creates and initializes a new Registry instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		actions:   make(map[protocol.MessageType]pipeline.ActionFunc),
		modifiers: make(map[string]pipeline.ModifierFunc),
		limiter:   newWindowLimiter(),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

func (e *Registry) RegisterCore() {
	e.registerCoreActions()
	e.registerCoreModifiers()
}

func (e *Registry) registerCoreActions() {
	for _, t := range []protocol.MessageType{
		protocol.TypeSnippetMove,
		protocol.TypeSnippetCreate,
		protocol.TypeSnippetUpdate,
		protocol.TypeSnippetDelete,
	} {
		e.RegisterAction(t, actionRelay)
	}
	e.logger.Info("Registered core actions", slog.Int("count", len(e.actions)))
}

func (e *Registry) registerCoreModifiers() {
	e.RegisterModifier("require_role", modifierRequireRole)
	e.RegisterModifier("rate_limit", e.newRateLimitModifier())
	e.RegisterModifier("log", modifierLog)
	e.logger.Info("Registered core modifiers", slog.Int("count", len(e.modifiers)))
}

// --- Action Methods ---
func (e *Registry) RegisterAction(t protocol.MessageType, fn pipeline.ActionFunc) {
	e.actionMu.Lock()
	defer e.actionMu.Unlock()
	if _, exists := e.actions[t]; exists {
		panic("action function already registered: " + string(t))
	}
	e.actions[t] = fn
}

func (e *Registry) GetActionFunc(t protocol.MessageType) (pipeline.ActionFunc, bool) {
	e.actionMu.RLock()
	defer e.actionMu.RUnlock()
	fn, ok := e.actions[t]
	return fn, ok
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFunc) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
}

func (e *Registry) GetModifierFunc(name string) (pipeline.ModifierFunc, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	fn, ok := e.modifiers[name]
	return fn, ok
}

// Run executes the modifiers of a pipeline in order, then the action for
// the cargo's message type. The first failing step stops the run.
func (e *Registry) Run(c *pipeline.Cargo, steps []pipeline.Step) error {
	for _, step := range steps {
		if err := step.Function(c, step.Params...); err != nil {
			c.Logger.Debug("Modifier stopped pipeline", slog.String("modifier", step.Name), slog.Any("error", err))
			return err
		}
	}
	action, ok := e.GetActionFunc(c.Envelope.Type)
	if !ok {
		return pipeline.Reject(pipeline.KindProtocol, "unsupported message type: "+string(c.Envelope.Type), nil)
	}
	return action(c)
}

// Stop cancels pending limiter cleanups.
func (e *Registry) Stop() {
	e.limiter.stop()
}
