package log

import (
	"context"
	"encoding/hex"
	"log/slog"
)

// SlogAdapter writes driver events to an slog.Logger.
// Useful for development when you want protocol traffic in the console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.NodeID != 0 {
		attrs = append(attrs, slog.Uint64("node", uint64(event.NodeID)))
	}
	if event.Endpoint != 0 {
		attrs = append(attrs, slog.Uint64("endpoint", uint64(event.Endpoint)))
	}
	if event.HomeID != "" {
		attrs = append(attrs, slog.String("home_id", event.HomeID))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Uint64("control", uint64(event.Frame.Control)),
			slog.Int("frame_size", event.Frame.Size),
		)
		if len(event.Frame.Data) > 0 {
			attrs = append(attrs, slog.String("data", hex.EncodeToString(event.Frame.Data)))
		}
	case event.Message != nil:
		attrs = append(attrs,
			slog.Uint64("function", uint64(event.Message.FunctionType)),
			slog.Uint64("msg_type", uint64(event.Message.MessageType)),
		)
		if event.Message.CallbackID != 0 {
			attrs = append(attrs, slog.Uint64("callback_id", uint64(event.Message.CallbackID)))
		}
	case event.Command != nil:
		attrs = append(attrs,
			slog.Uint64("cc", uint64(event.Command.CommandClass)),
			slog.Uint64("cmd", uint64(event.Command.Command)),
		)
		if event.Command.Flags != 0 {
			attrs = append(attrs, slog.Uint64("encap_flags", uint64(event.Command.Flags)))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "zwave", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
