package webproxy

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// clientError writes a minimal HTML error response.
func clientError(w io.Writer, log zerolog.Logger, cause, code, shortMsg, longMsg string) {
	body := "<html><title>Proxy Error</title><body bgcolor=ffffff>\r\n" +
		fmt.Sprintf("%s: %s\r\n", code, shortMsg) +
		fmt.Sprintf("<p>%s: %s\r\n", longMsg, cause) +
		"<hr><em>Proxy</em>\r\n"
	head := fmt.Sprintf("HTTP/1.0 %s %s\r\nContent-type: text/html\r\nContent-length: %d\r\n\r\n", code, shortMsg, len(body))
	if err := writeAll(w, []byte(head+body)); err != nil {
		logWriteError(log, err, "Could not send error page")
	}
}

// writeAll writes b completely, turning a short write into an error.
func writeAll(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}
	return err
}

// logWriteError logs a failed client write.
// Writes to a peer that already went away are only traced.
func logWriteError(log zerolog.Logger, err error, msg string) {
	if isConnectionClosed(err) {
		log.Trace().Err(err).Msg("Peer closed connection")
		return
	}
	log.Error().Err(err).Msg(msg)
}

// isConnectionClosed reports whether err means the peer is gone.
func isConnectionClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
