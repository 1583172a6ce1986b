package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes structured event lines to a writer.
//
// Two output modes:
//   - Text (default): human-readable key=value pairs
//   - JSON: one JSON object per line (JSONL)
//
// Example text output:
//
//	[step completed] tag=salt/run/01J.../prog/stage_one jid=01J... step=stage_one
//
// Example JSON output:
//
//	{"tag":"salt/run/01J.../ret","jid":"01J...","step":"","msg":"run completed","data":{...}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer (stdout
// when nil). jsonMode selects JSONL output over the text format.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event line. Serialized so concurrent runs do not
// interleave partial lines.
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
	data, err := json.Marshal(struct {
		Tag  string         `json:"tag"`
		JID  string         `json:"jid"`
		Step string         `json:"step"`
		Msg  string         `json:"msg"`
		Data map[string]any `json:"data"`
	}{
		Tag:  event.Tag,
		JID:  event.JID,
		Step: event.Step,
		Msg:  event.Msg,
		Data: event.Data,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] tag=%s jid=%s", event.Msg, event.Tag, event.JID)
	if event.Step != "" {
		fmt.Fprintf(l.writer, " step=%s", event.Step)
	}
	if len(event.Data) > 0 {
		if dataJSON, err := json.Marshal(event.Data); err == nil {
			fmt.Fprintf(l.writer, " data=%s", dataJSON)
		} else {
			fmt.Fprintf(l.writer, " data=%v", event.Data)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
