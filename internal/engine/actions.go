package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/protocol"
)

// actionRelay fans a validated mutation out to the rest of the room under a
// fresh envelope, then acknowledges it to the sender only.
func actionRelay(c *pipeline.Cargo) error {
	event, ok := c.Envelope.Type.Broadcast()
	if !ok {
		return pipeline.Reject(pipeline.KindProtocol, "cannot relay "+string(c.Envelope.Type), nil)
	}

	fields := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		fields[k] = v
	}
	fields["by"] = c.UserID

	relayed, err := protocol.New(event, c.UserID, fields)
	if err != nil {
		return pipeline.Reject(pipeline.KindInternal, "failed to encode event", err)
	}
	msg, err := json.Marshal(relayed)
	if err != nil {
		return pipeline.Reject(pipeline.KindInternal, "failed to encode event", err)
	}
	recipients := c.Rooms.Broadcast(msg, c.Connection.ID, c.SpaceID)

	confirm, err := protocol.Encode(c.Envelope.Type.Confirmed(), c.UserID, protocol.ConfirmedPayload{
		OriginalMessageID: c.Envelope.MessageID,
		MessageID:         relayed.MessageID,
		Recipients:        recipients,
		Data:              fields,
	})
	if err != nil {
		return pipeline.Reject(pipeline.KindInternal, "failed to encode confirmation", err)
	}
	if err := c.Connection.Transport.Send(confirm); err != nil {
		// the sender is going away; its close path cleans up
		c.Logger.Warn("Failed to confirm command to sender", slog.Any("error", err))
	}

	c.Logger.Debug("Relayed command",
		slog.String("type", string(c.Envelope.Type)),
		slog.String("messageID", relayed.MessageID),
		slog.Int("recipients", recipients),
	)
	return nil
}

func describe(c *pipeline.Cargo) string {
	return fmt.Sprintf("%s by %s in %s", c.Envelope.Type, c.UserID, c.SpaceID)
}
