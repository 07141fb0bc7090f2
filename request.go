package webproxy

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Sleeeeeepy/webproxy-lab/pkg/substring"
	targeturl "github.com/Sleeeeeepy/webproxy-lab/pkg/target-url"
)

const (
	httpVersion     = "HTTP/1.0"
	userAgentHeader = "User-Agent: Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3\r\n"
	// longest request or header line accepted from a client
	maxLineLength = 64 << 10
)

var (
	// ErrBadRequest is returned for request lines the proxy cannot forward.
	ErrBadRequest = errors.New("bad request")
	// ErrLineTooLong is returned when a line exceeds maxLineLength.
	ErrLineTooLong = errors.New("line too long")
)

// Header name matchers, applied to the lower-cased field name.
// A match must cover the whole name.
var (
	userAgentMatcher       = substring.Compile("user-agent")
	hostMatcher            = substring.Compile("host")
	proxyConnectionMatcher = substring.Compile("proxy-connection")
	connectionMatcher      = substring.Compile("connection")
)

type headerKind int

const (
	headerOther headerKind = iota
	headerUserAgent
	headerHost
	headerProxyConnection
	headerConnection
)

func classifyHeader(line string) headerKind {
	name := line
	if i := strings.IndexByte(line, ':'); i >= 0 {
		name = line[:i]
	}
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case isName(userAgentMatcher, name):
		return headerUserAgent
	case isName(hostMatcher, name):
		return headerHost
	case isName(proxyConnectionMatcher, name):
		return headerProxyConnection
	case isName(connectionMatcher, name):
		return headerConnection
	}
	return headerOther
}

func isName(m *substring.Matcher, name string) bool {
	return len(name) == len(m.Needle()) && m.Index(name) == 0
}

// Request is a client request rewritten for the origin.
type Request struct {
	Method string
	// Target is the raw request-target as sent by the client. It is the cache key.
	Target string
	URL    targeturl.URL
	// ClientVersion is the version the client declared; the forwarded version is always HTTP/1.0.
	ClientVersion string
	// Headers are the rewritten header lines, each terminated by CRLF.
	Headers []string
	// ContentLength is the announced request body size, 0 if none.
	ContentLength int64
}

// Bytes returns the request line and headers as sent to the origin.
func (r *Request) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.URL.Path)
	b.WriteByte(' ')
	b.WriteString(httpVersion)
	b.WriteString("\r\n")
	for _, h := range r.Headers {
		b.WriteString(h)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// Header returns the value of the first header line whose name equals name, ignoring case.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		i := strings.IndexByte(h, ':')
		if i < 0 || !strings.EqualFold(strings.TrimSpace(h[:i]), name) {
			continue
		}
		return strings.TrimSpace(h[i+1:]), true
	}
	return "", false
}

// forwarding holds the addresses used to complete targets that carry no host.
type forwarding struct {
	defaultHost  string
	defaultPort  uint16
	relativeHost string
	relativePort uint16
}

// readRequestLine reads and validates the request line.
// Parse failures are wrapped in ErrBadRequest; anything else is a read error.
func readRequestLine(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return nil, errors.Wrap(err, "read request line")
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, errors.Wrapf(ErrBadRequest, "request line %q", strings.TrimSpace(line))
	}
	u, err := targeturl.Parse(fields[1])
	if err != nil {
		return nil, errors.Wrapf(ErrBadRequest, "%v", err)
	}
	return &Request{
		Method:        fields[0],
		Target:        fields[1],
		URL:           u,
		ClientVersion: fields[2],
	}, nil
}

// readHeaders reads the client headers up to the blank line and rewrites them.
// A line not terminated by CRLF ends the headers.
// User-Agent, Host, Connection and Proxy-Connection are rewritten once;
// later lines of the same name are dropped.
// Missing headers are added before the blank line.
func (r *Request) readHeaders(br *bufio.Reader, fwd forwarding, log zerolog.Logger) {
	var hasUserAgent, hasHost, hasProxyConnection, hasConnection bool
	relative := r.URL.IsRelative()

	for {
		line, err := readLine(br)
		if !strings.HasSuffix(line, "\r\n") {
			if err != nil && !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("Could not read header")
			} else {
				log.Warn().Str("header", line).Msg("Invalid header")
			}
			break
		}
		if line == "\r\n" {
			log.Trace().Msg("End of headers")
			break
		}
		log.Trace().Str("header", strings.TrimSuffix(line, "\r\n")).Msg("Header")

		switch classifyHeader(line) {
		case headerUserAgent:
			if !hasUserAgent {
				r.Headers = append(r.Headers, userAgentHeader)
				hasUserAgent = true
			}
			continue
		case headerHost:
			if relative {
				log.Warn().Str("host", fwd.relativeHost).Msg("Relative path received, forwarding to default host")
				r.URL.Scheme = "http"
				r.URL.Host = fwd.relativeHost
				r.URL.Port = fwd.relativePort
				relative = false
				continue
			}
			if !hasHost {
				r.Headers = append(r.Headers, "Host: "+r.URL.Host+"\r\n")
				hasHost = true
			}
			continue
		case headerProxyConnection:
			if !hasProxyConnection {
				r.Headers = append(r.Headers, "Proxy-Connection: close\r\n")
				hasProxyConnection = true
			}
			continue
		case headerConnection:
			if !hasConnection {
				r.Headers = append(r.Headers, "Connection: close\r\n")
				hasConnection = true
			}
			continue
		default:
			if n, ok := contentLength(line); ok {
				r.ContentLength = n
			}
		}
		r.Headers = append(r.Headers, line)
	}

	if r.URL.Port == 0 {
		r.URL.Port = fwd.defaultPort
	}
	if r.URL.Host == "" {
		r.URL.Host = fwd.defaultHost
	}

	if !hasUserAgent {
		r.Headers = append(r.Headers, userAgentHeader)
	}
	if !hasHost {
		r.Headers = append(r.Headers, "Host: "+r.URL.Host+"\r\n")
	}
	if !hasConnection {
		r.Headers = append(r.Headers, "Connection: close\r\n")
	}
	if !hasProxyConnection {
		r.Headers = append(r.Headers, "Proxy-Connection: close\r\n")
	}
}

func contentLength(line string) (int64, bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 || !strings.EqualFold(strings.TrimSpace(line[:i]), "Content-Length") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(line[i+1:]), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// readLine reads up to and including the next '\n'.
// The returned line may be incomplete if err is not nil.
func readLine(br *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineLength {
			return string(line), ErrLineTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(line), err
	}
}
