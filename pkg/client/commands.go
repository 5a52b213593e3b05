package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/a-essam23/spacesync/pkg/state"
)

var errNoStore = errors.New("client: no record store configured")

// gate is the local permission check run before any command leaves the
// client. The server checks again.
func (e *Engine) gate(action state.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive {
		return ErrEngineStopped
	}
	if e.status.State != StateJoined {
		return ErrNotJoined
	}
	if check := state.Check(e.role, action); !check.Allowed {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, check.Reason)
	}
	return nil
}

// persist runs the durable write concurrently with the relay.
func (e *Engine) persist(ctx context.Context, write func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	if e.opts.Store == nil {
		done <- errNoStore
		return done
	}
	go func() { done <- write(ctx) }()
	return done
}

// rollback restores a snippet unless the engine has been torn down.
func (e *Engine) rollback(prev protocol.Snippet, index int) {
	e.mu.Lock()
	alive := e.alive
	e.mu.Unlock()
	if alive {
		e.view.Restore(prev, index)
	}
}

// compensate relays the restored state after a change that peers already
// received failed to persist.
func (e *Engine) compensate(ctx context.Context, t protocol.MessageType, payload any) {
	if err := e.send(ctx, t, payload); err != nil {
		e.logger.Warn("Failed to relay rollback", slog.String("type", string(t)), slog.Any("error", err))
	}
}

// Move repositions a snippet locally, then persists and relays it. A
// failed write restores the previous position, relays it back to peers
// and returns *RollbackError.
func (e *Engine) Move(ctx context.Context, snippetID string, x, y float64) error {
	if err := e.gate(state.ActionMove); err != nil {
		return err
	}
	if !protocol.ValidCoord(x) || !protocol.ValidCoord(y) {
		return fmt.Errorf("%w: (%v, %v)", protocol.ErrBadCoordinate, x, y)
	}
	ix, iy := protocol.RoundCoord(x), protocol.RoundCoord(y)
	prev, ok := e.view.Move(snippetID, ix, iy)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSnippet, snippetID)
	}

	stored := e.persist(ctx, func(ctx context.Context) error {
		_, err := e.opts.Store.MoveSnippet(ctx, e.opts.SpaceID, snippetID, ix, iy)
		return err
	})
	sendErr := e.send(ctx, protocol.TypeSnippetMove, protocol.MovePayload{SnippetID: snippetID, X: x, Y: y})
	if err := <-stored; err != nil {
		e.rollback(prev, -1)
		if sendErr == nil {
			e.compensate(ctx, protocol.TypeSnippetMove, protocol.MovePayload{
				SnippetID: snippetID, X: float64(prev.X), Y: float64(prev.Y),
			})
		}
		return &RollbackError{Op: "move", SnippetID: snippetID, Err: err}
	}
	return sendErr
}

func (e *Engine) Update(ctx context.Context, snippetID string, patch protocol.SnippetPatch) error {
	if err := e.gate(state.ActionUpdate); err != nil {
		return err
	}
	if patch.Empty() {
		return errors.New("client: empty update")
	}
	fields, err := marshalPatch(snippetID, patch)
	if err != nil {
		return err
	}
	prev, ok := e.view.Patch(snippetID, patch)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSnippet, snippetID)
	}

	stored := e.persist(ctx, func(ctx context.Context) error {
		_, err := e.opts.Store.UpdateSnippet(ctx, e.opts.SpaceID, snippetID, patch)
		return err
	})
	sendErr := e.send(ctx, protocol.TypeSnippetUpdate, fields)
	if err := <-stored; err != nil {
		e.rollback(prev, -1)
		if sendErr == nil {
			if revert, merr := marshalPatch(snippetID, patch.Revert(prev)); merr == nil {
				e.compensate(ctx, protocol.TypeSnippetUpdate, revert)
			}
		}
		return &RollbackError{Op: "update", SnippetID: snippetID, Err: err}
	}
	return sendErr
}

// Delete removes a snippet locally; a failed write puts it back where it
// was in the list and relays it to peers as created again.
func (e *Engine) Delete(ctx context.Context, snippetID string) error {
	if err := e.gate(state.ActionDelete); err != nil {
		return err
	}
	prev, index, ok := e.view.Remove(snippetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSnippet, snippetID)
	}

	stored := e.persist(ctx, func(ctx context.Context) error {
		return e.opts.Store.DeleteSnippet(ctx, e.opts.SpaceID, snippetID)
	})
	sendErr := e.send(ctx, protocol.TypeSnippetDelete, protocol.DeletePayload{SnippetID: snippetID})
	if err := <-stored; err != nil {
		e.rollback(prev, index)
		if sendErr == nil {
			e.compensate(ctx, protocol.TypeSnippetCreate, prev)
		}
		return &RollbackError{Op: "delete", SnippetID: snippetID, Err: err}
	}
	return sendErr
}

// Create waits for the store to assign an id before anything is shown or
// relayed, so peers never see a temporary id.
func (e *Engine) Create(ctx context.Context, draft protocol.SnippetDraft) (protocol.Snippet, error) {
	if err := e.gate(state.ActionCreate); err != nil {
		return protocol.Snippet{}, err
	}
	if e.opts.Store == nil {
		return protocol.Snippet{}, errNoStore
	}
	snippet, err := e.opts.Store.CreateSnippet(ctx, e.opts.SpaceID, draft)
	if err != nil {
		return protocol.Snippet{}, err
	}

	e.mu.Lock()
	alive := e.alive
	e.mu.Unlock()
	if !alive {
		return snippet, ErrEngineStopped
	}
	e.view.Upsert(snippet)
	return snippet, e.send(ctx, protocol.TypeSnippetCreate, snippet)
}
