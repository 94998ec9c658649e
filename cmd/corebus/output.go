package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"corebus/pkg/protocol"

	"github.com/mattn/go-isatty"
)

// isTerminal reports whether w is an interactive terminal. Anything else
// (pipes, files, test buffers) gets machine-readable output.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// writeJSONLine writes v as one compact JSON line.
func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// formatEvent renders ev as a single human-readable line.
func formatEvent(ev protocol.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %-16s", ev.At.Local().Format("15:04:05.000"), ev.Kind)
	if ev.TaskID != "" {
		fmt.Fprintf(&sb, "  task=%s", ev.TaskID)
	}
	if ev.TaskName != "" {
		fmt.Fprintf(&sb, "  name=%s", ev.TaskName)
	}
	if ev.WorkerID != "" {
		fmt.Fprintf(&sb, "  worker=%s", ev.WorkerID)
	}
	if len(ev.Data) > 0 && string(ev.Data) != "null" {
		fmt.Fprintf(&sb, "  %s", ev.Data)
	}
	return sb.String()
}

// truncate shortens s to n display columns.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// parseAttrs turns key=value pairs into a map.
func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// parseFilter turns key=v1,v2 pairs into a description filter.
func parseFilter(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("filter %q: want key=value[,value...]", p)
		}
		out[k] = append(out[k], strings.Split(v, ",")...)
	}
	return out, nil
}

// readPayload resolves a JSON payload flag. A leading @ reads a file.
func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
