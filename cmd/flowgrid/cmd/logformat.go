package cmd

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

// logFormatter renders one entry per line: colored level, the
// message, then the fields in stable order. The stack field is
// highlighted since almost every deployer message carries it.
type logFormatter struct{}

var logLevelColor = map[log.Level]struct{ key, value *color.Color }{
	log.PanicLevel: {color.New(color.FgRed), color.New(color.FgRed)},
	log.FatalLevel: {color.New(color.FgRed), color.New(color.FgRed)},
	log.ErrorLevel: {color.New(color.FgRed), color.New(color.FgRed)},
	log.WarnLevel:  {color.New(color.FgYellow), nil},
	log.InfoLevel:  {color.New(color.FgCyan), nil},
	log.DebugLevel: {color.New(color.FgWhite), nil},
}

func (l *logFormatter) Format(e *log.Entry) ([]byte, error) {
	var buf bytes.Buffer
	c := logLevelColor[e.Level]
	buf.WriteString(c.key.Sprint(e.Level.String()))
	buf.WriteString(": ")
	if c.value != nil {
		buf.WriteString(c.value.Sprint(e.Message))
	} else {
		buf.WriteString(e.Message)
	}

	if stack, ok := e.Data["stack"].(string); ok {
		buf.WriteString(" - ")
		buf.WriteString(color.CyanString("%s", stack))
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == "stack" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, e.Data[k])
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
