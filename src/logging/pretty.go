package logging

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	color "git.handmade.network/hmn/reviewq/src/ansicolor"
	"github.com/rs/zerolog"
)

var levelColors = map[string]string{
	"trace": color.Gray,
	"debug": color.Gray,
	"info":  color.BgBlue,
	"warn":  color.BgYellow,
	"error": color.BgRed,
	"fatal": color.BgRed,
	"panic": color.BgRed,
}

const separator = "---------------------------------------\n"

// Renders zerolog's JSON lines as a human-readable block. Anything that
// carries an error, a stack, or extra fields is fenced off with a separator
// line.
type PrettyWriter struct {
	out io.Writer
	wd  string

	m             sync.Mutex
	lastMultiline bool
}

// A nil out means os.Stderr.
func NewPrettyWriter(out io.Writer) *PrettyWriter {
	if out == nil {
		out = os.Stderr
	}
	wd, _ := os.Getwd()
	return &PrettyWriter{out: out, wd: wd}
}

type prettyField struct {
	Name  string
	Value interface{}
}

func (w *PrettyWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return w.out.Write(p)
	}

	var timestamp, level, message, errMsg string
	var stack []interface{}
	var others []prettyField
	for name, val := range fields {
		switch name {
		case zerolog.TimestampFieldName:
			timestamp, _ = val.(string)
		case zerolog.LevelFieldName:
			level, _ = val.(string)
		case zerolog.MessageFieldName:
			message, _ = val.(string)
		case zerolog.ErrorFieldName:
			errMsg, _ = val.(string)
		case zerolog.ErrorStackFieldName:
			stack, _ = val.([]interface{})
		default:
			others = append(others, prettyField{Name: name, Value: val})
		}
	}
	sort.Slice(others, func(i, j int) bool {
		return others[i].Name < others[j].Name
	})

	multiline := errMsg != "" || stack != nil || len(others) > 0

	w.m.Lock()
	defer w.m.Unlock()

	var b strings.Builder
	if multiline || w.lastMultiline {
		b.WriteString(separator)
	}
	if timestamp != "" {
		b.WriteString(timestamp)
		b.WriteString(" ")
	}
	if level != "" {
		b.WriteString(levelColors[level] + color.Bold + strings.ToUpper(level) + color.Reset + ": ")
	}
	b.WriteString(message)
	b.WriteString("\n")

	if errMsg != "" {
		b.WriteString("  " + color.Bold + color.Red + "ERROR:" + color.Reset + " " + errMsg + "\n")
	}
	if len(others) > 0 {
		b.WriteString("  " + color.Bold + color.Blue + "Fields:" + color.Reset + "\n")
		for _, f := range others {
			value, _ := json.MarshalIndent(f.Value, "    ", "  ")
			b.WriteString("    " + f.Name + ": " + string(value) + "\n")
		}
	}
	if stack != nil {
		b.WriteString("  " + color.Bold + color.Blue + "Stack trace:" + color.Reset + "\n")
		for _, rawFrame := range stack {
			frame, ok := rawFrame.(map[string]interface{})
			if !ok {
				continue
			}
			function, _ := frame["function"].(string)
			file, _ := frame["file"].(string)
			line, _ := frame["line"].(float64)
			if w.wd != "" {
				file = strings.Replace(file, w.wd, ".", 1)
			}
			b.WriteString("    " + function + " (" + file + ":" + strconv.Itoa(int(line)) + ")\n")
		}
	}

	w.lastMultiline = multiline

	if _, err := io.WriteString(w.out, b.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}
