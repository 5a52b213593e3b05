package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/state"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// modifierRequireRole raises the minimum role for a command above what the
// permission table already demands. Params: one role name.
func modifierRequireRole(c *pipeline.Cargo, params ...string) error {
	if len(params) != 1 {
		return pipeline.Reject(pipeline.KindInternal, "misconfigured command",
			errors.New("'require_role' modifier requires exactly one parameter (e.g., 'ADMIN')"))
	}
	min := state.ParseRole(params[0])
	if !min.Valid() {
		return pipeline.Reject(pipeline.KindInternal, "misconfigured command",
			fmt.Errorf("unknown role: %s", params[0]))
	}
	if !c.Role.AtLeast(min) {
		return pipeline.Reject(pipeline.KindAuthorization,
			fmt.Sprintf("%s role required", min), nil)
	}
	return nil
}

// modifierLog writes the command to the session log. Params: optional label.
func modifierLog(c *pipeline.Cargo, params ...string) error {
	label := "command"
	if len(params) > 0 {
		label = params[0]
	}
	c.Logger.Info(label, slog.String("command", describe(c)), slog.String("messageID", c.Envelope.MessageID))
	return nil
}

// ParseRate parses a limit such as "10/s", "100/m" or "1000/h".
func ParseRate(rate string) (int, time.Duration, error) {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", rate)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	var window time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
	return limit, window, nil
}

// newRateLimitModifier counts commands per connection and message type in a
// fixed window. Params: one rate, e.g. "60/s".
func (e *Registry) newRateLimitModifier() pipeline.ModifierFunc {
	return func(c *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return pipeline.Reject(pipeline.KindInternal, "misconfigured command",
				errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')"))
		}
		limit, window, err := ParseRate(params[0])
		if err != nil {
			return pipeline.Reject(pipeline.KindInternal, "misconfigured command", err)
		}

		key := c.Connection.ID.String() + "|" + string(c.Envelope.Type)
		if !e.limiter.allow(key, limit, window) {
			return pipeline.Reject(pipeline.KindAuthorization, ErrRateLimited.Error(), ErrRateLimited)
		}
		return nil
	}
}

type windowState struct {
	requests int
	timer    *time.Timer
}

// windowLimiter holds one counter per key; each is dropped by its own timer
// when its window ends.
type windowLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowState
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{windows: make(map[string]*windowState)}
}

func (l *windowLimiter) allow(key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ws, found := l.windows[key]
	if !found {
		ws = &windowState{requests: 1}
		ws.timer = time.AfterFunc(window, func() {
			l.mu.Lock()
			// a later window may already own the key
			if l.windows[key] == ws {
				delete(l.windows, key)
			}
			l.mu.Unlock()
		})
		l.windows[key] = ws
		return true
	}

	if ws.requests < limit {
		ws.requests++
		return true
	}
	return false
}

func (l *windowLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *windowLimiter) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, ws := range l.windows {
		ws.timer.Stop()
		delete(l.windows, key)
	}
}
