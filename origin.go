package webproxy

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	tee "github.com/Sleeeeeepy/webproxy-lab/pkg/response-tee"
)

// forward sends req to its origin and relays the response to the client.
// The relayed response is stored in the cache when store is set and it was
// relayed completely and fits the object size limit.
// It returns the request outcome for metrics.
func (p *Proxy) forward(client net.Conn, body *bufio.Reader, req *Request, cs *CacheStatus, store bool, log zerolog.Logger) string {
	addr := req.URL.Address()
	conn, err := p.dialer.Dial("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("origin", addr).Msg("Could not connect to origin")
		clientError(client, log, "Failed to connect to server", "500", "Internal Server Error", "Proxy Error")
		return outcomeOriginError
	}
	defer conn.Close()
	origin := p.withTimeout(conn)

	if err := p.sendRequest(origin, body, req); err != nil {
		log.Error().Err(err).Str("origin", addr).Msg("Could not send request to origin")
		clientError(client, log, "Failed to request to server", "500", "Internal Server Error", "Proxy Error")
		return outcomeOriginError
	}

	saver := tee.NewResponseSaver(client, p.maxObjectSize)
	err = relayResponse(saver, origin)
	if cerr := saver.ClientErr(); cerr != nil {
		logWriteError(log, cerr, "Could not relay response to client")
		cs.Detail("partial")
		return outcomeClientError
	}
	if err != nil {
		log.Error().Err(err).Str("origin", addr).Msg("Could not read response from origin")
		cs.Detail("partial")
		return outcomeOriginError
	}
	log.Trace().Msgf("Relayed response (%d bytes)", saver.Total())

	if store && saver.Cacheable() {
		p.store(req, saver.Response(), cs, log)
	}
	return outcomeMiss
}

// sendRequest writes the rewritten request and any announced body to the origin.
func (p *Proxy) sendRequest(origin io.Writer, body io.Reader, req *Request) error {
	if err := writeAll(origin, req.Bytes()); err != nil {
		return errors.Wrap(err, "write request")
	}
	if req.ContentLength > 0 {
		if _, err := io.CopyN(origin, body, req.ContentLength); err != nil {
			return errors.Wrap(err, "relay request body")
		}
	}
	return nil
}

// relayResponse copies the origin response to dst line by line until the origin closes.
func relayResponse(dst io.Writer, src io.Reader) error {
	br := bufio.NewReaderSize(src, 8192)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if werr := writeAll(dst, chunk); werr != nil {
				return errors.Wrap(werr, "write response")
			}
		}
		switch {
		case err == nil, err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			return nil
		default:
			return errors.Wrap(err, "read response")
		}
	}
}

// timeoutConn sets a fresh deadline before every read and write.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func (p *Proxy) withTimeout(conn net.Conn) net.Conn {
	if p.ioTimeout <= 0 {
		return conn
	}
	return &timeoutConn{Conn: conn, timeout: p.ioTimeout}
}
