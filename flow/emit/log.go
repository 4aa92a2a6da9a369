package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes structured event output to a writer.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[step_completed] run=run-001 seq=7 node=fetch step=fetch.0
//
// Example JSON output:
//
//	{"seq":7,"run_id":"run-001","type":"step_completed","node_id":"fetch",...}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when
// nil). jsonMode selects JSONL output.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format. Serialized under a
// mutex so interleaved runs produce whole lines.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] run=%s seq=%d", event.Type, event.RunID, event.Seq)
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}
	if event.StepID != "" {
		fmt.Fprintf(l.writer, " step=%s", event.StepID)
	}
	if event.Attempt > 0 {
		fmt.Fprintf(l.writer, " attempt=%d", event.Attempt)
	}
	if len(event.Payload) > 0 {
		if payloadJSON, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(l.writer, " payload=%s", payloadJSON)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
