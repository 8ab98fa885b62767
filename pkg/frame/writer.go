package frame

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/log"
)

// MaxLogFrameDataSize is the maximum frame data size to include in log
// events. Larger frames are truncated in the capture.
const MaxLogFrameDataSize = 4096

// Writer serializes frames onto an underlying writer.
// Thread-safe: the scheduler and the dispatcher's ACK/NAK replies may
// interleave.
type Writer struct {
	w  io.Writer
	mu sync.Mutex

	logger    log.Logger
	sessionID string
}

// NewWriter creates a frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, logger: log.NoopLogger{}}
}

// SetLogger configures logging for this writer. Pass nil to disable.
func (fw *Writer) SetLogger(logger log.Logger, sessionID string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.logger = log.OrNoop(logger)
	fw.sessionID = sessionID
}

// WriteFrame serializes and writes one frame.
func (fw *Writer) WriteFrame(f *Frame) error {
	data, err := f.Bytes()
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	fw.logger.Log(fw.makeFrameEvent(f, data))
	return nil
}

// WriteACK writes a single ACK control byte.
func (fw *Writer) WriteACK() error { return fw.writeControl(ACK) }

// WriteNAK writes a single NAK control byte.
func (fw *Writer) WriteNAK() error { return fw.writeControl(NAK) }

// WriteCAN writes a single CAN control byte.
func (fw *Writer) WriteCAN() error { return fw.writeControl(CAN) }

func (fw *Writer) writeControl(b uint8) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write([]byte{b}); err != nil {
		return fmt.Errorf("failed to write control byte 0x%02x: %w", b, err)
	}

	fw.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: fw.sessionID,
		Direction: log.DirectionOut,
		Layer:     log.LayerSerial,
		Category:  log.CategoryFrame,
		Frame:     &log.FrameEvent{Control: b, Size: 1},
	})
	return nil
}

// makeFrameEvent creates a log event for an outbound data frame.
func (fw *Writer) makeFrameEvent(f *Frame, data []byte) log.Event {
	frameData := data
	truncated := false
	if len(data) > MaxLogFrameDataSize {
		frameData = data[:MaxLogFrameDataSize]
		truncated = true
	}

	return log.Event{
		Timestamp: time.Now(),
		SessionID: fw.sessionID,
		Direction: log.DirectionOut,
		Layer:     log.LayerSerial,
		Category:  log.CategoryFrame,
		Frame: &log.FrameEvent{
			Control:   f.Control,
			Size:      len(data),
			Data:      frameData,
			Truncated: truncated,
		},
	}
}
