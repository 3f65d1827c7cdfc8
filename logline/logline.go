// Package logline drains a child process's stdout or stderr stream,
// emitting one structured log event per line and optionally mirroring
// each line to a per-service-stream file.
package logline

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Stream selects which of a child's standard streams is being drained,
// which in turn selects the log level each line is emitted at.
type Stream int

const (
	// Stdout lines are emitted at debug level.
	Stdout Stream = iota
	// Stderr lines are emitted at error level.
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Drain reads newline-framed lines from r until EOF or a read error,
// logging each one through logger at the level dictated by stream. If
// logsDir is non-empty, lines are additionally appended to
// "<logsDir>/<service>.<stream>.txt", created exclusively when Drain
// starts so a pre-existing file is left untouched and reported as an error.
//
// Drain returns once the stream is fully drained; callers join it after
// reaping the child so all output is guaranteed flushed before the
// service reports completion.
func Drain(r io.Reader, logger zerolog.Logger, service string, stream Stream, logsDir string) {
	var file *os.File
	var writer *bufio.Writer

	if logsDir != "" {
		path := filepath.Join(logsDir, service+"."+stream.String()+".txt")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("failed to create logs file")
		} else {
			file = f
			writer = bufio.NewWriter(f)
			defer func() {
				_ = writer.Flush()
				_ = file.Close()
			}()
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		logLine(logger, stream, line)
		writeLine(writer, line)
	}

	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg(err.Error())
		writeLine(writer, err.Error())
	}
}

func logLine(logger zerolog.Logger, stream Stream, line string) {
	switch stream {
	case Stderr:
		logger.Error().Msg(line)
	default:
		logger.Debug().Msg(line)
	}
}

func writeLine(w *bufio.Writer, line string) {
	if w == nil {
		return
	}
	if _, err := w.WriteString(line); err != nil {
		return
	}
	_, _ = w.WriteString("\n")
}
