package obs

import (
	"io"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
)

var base = &log.Logger{Handler: json.New(os.Stdout), Level: log.InfoLevel}

// Fields is attached to every log line as structured key/values.
type Fields = log.Fields

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.Level = log.DebugLevel
		return
	}
	base.Level = log.InfoLevel
}

// SetFormat switches the output handler. "text" selects the human readable
// cli handler, anything else keeps JSON lines. Call before any goroutine logs.
func SetFormat(format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	if format == "text" {
		base.Handler = cli.New(w)
		return
	}
	base.Handler = json.New(w)
}

func Info(msg string, f Fields)  { base.WithFields(f).Info(msg) }
func Error(msg string, f Fields) { base.WithFields(f).Error(msg) }
func Debug(msg string, f Fields) { base.WithFields(f).Debug(msg) }
