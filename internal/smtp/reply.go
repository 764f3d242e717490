package smtp

import (
	"bufio"
	"fmt"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"
)

func writeLine(w *bufio.Writer, line string) {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		slog.Error("Failed to write to connection", sloki.WrapError(err))
		return
	}
	if err := w.Flush(); err != nil {
		slog.Error("Failed to flush writer", sloki.WrapError(err))
		return
	}

	slog.Debug("S: " + line)
}

// writeMultiline writes a reply spanning several lines. All lines but the
// last are marked with a dash after the code.
func writeMultiline(w *bufio.Writer, code int, lines []string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := fmt.Fprintf(w, "%d%s%s\r\n", code, sep, line); err != nil {
			slog.Error("Failed to write to connection", sloki.WrapError(err))
			return
		}
		slog.Debug(fmt.Sprintf("S: %d%s%s", code, sep, line))
	}

	if err := w.Flush(); err != nil {
		slog.Error("Failed to flush writer", sloki.WrapError(err))
	}
}
