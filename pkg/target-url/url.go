// Package targeturl parses the request-target of a proxied HTTP/1.0 request line.
//
// Accepted forms are absolute targets with a scheme (`http://host:port/path`),
// schemeless absolute targets (`host:port/path`) and relative paths (`/path`).
// Relative paths leave Host empty and Port zero; the caller fills them in from
// its own defaults.
package targeturl

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Sleeeeeepy/webproxy-lab/pkg/substring"
)

var (
	// ErrDirectoryTraversal is returned for paths containing `../` or `//`.
	ErrDirectoryTraversal = errors.New("directory traversal in path")
	// ErrIPv6Host is returned when the host segment holds more than one colon.
	// IPv6 literals are not supported.
	ErrIPv6Host = errors.New("multiple colons in host")
	// ErrUnknownScheme is returned when a schemeless target names a port
	// other than 80 or 443.
	ErrUnknownScheme = errors.New("cannot infer scheme from port")
	// ErrInvalidPort is returned when the port is not a number in 0-65535.
	ErrInvalidPort = errors.New("invalid port")
	// ErrMalformed is returned when a required field is empty.
	ErrMalformed = errors.New("malformed request target")
)

var (
	schemeSeparator = substring.Compile("://")
	parentDir       = substring.Compile("../")
	doubleSlash     = substring.Compile("//")
)

// URL is a parsed request-target.
type URL struct {
	Scheme string
	Host   string
	Port   uint16
	// Path always starts with a slash and includes any query string.
	Path string
}

// IsRelative reports whether the target carried no host.
func (u URL) IsRelative() bool {
	return u.Host == ""
}

// Address returns host:port, suitable for dialing.
func (u URL) Address() string {
	return u.Host + ":" + strconv.Itoa(int(u.Port))
}

func (u URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	b.WriteString(u.Host)
	if u.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(int(u.Port)))
	}
	b.WriteString(u.Path)
	return b.String()
}

// Parse parses target into a URL.
func Parse(target string) (URL, error) {
	var u URL
	rest := target
	hasScheme := false
	if i := schemeSeparator.Index(target); i >= 0 {
		u.Scheme = target[:i]
		rest = target[i+len("://"):]
		hasScheme = true
		if u.Scheme == "" {
			return URL{}, errors.Wrap(ErrMalformed, "empty scheme")
		}
	}

	if !hasScheme && strings.HasPrefix(rest, "/") {
		u.Path = rest
	} else {
		hostSegment := rest
		u.Path = "/"
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			hostSegment, u.Path = rest[:i], rest[i:]
		}
		if err := u.setHostPort(hostSegment); err != nil {
			return URL{}, err
		}
		if u.Host == "" {
			return URL{}, errors.Wrapf(ErrMalformed, "no host in %q", target)
		}
	}

	if parentDir.Contains(u.Path) || doubleSlash.Contains(u.Path) {
		return URL{}, errors.Wrapf(ErrDirectoryTraversal, "%q", u.Path)
	}

	if hasScheme {
		return u, nil
	}
	switch u.Port {
	case 0, 80:
		u.Scheme = "http"
	case 443:
		u.Scheme = "https"
	default:
		return URL{}, errors.Wrapf(ErrUnknownScheme, "port %d", u.Port)
	}
	return u, nil
}

// setHostPort splits a host segment into host and port.
// A single trailing colon is dropped, an empty port means "unspecified".
func (u *URL) setHostPort(segment string) error {
	segment = strings.TrimSuffix(segment, ":")
	switch strings.Count(segment, ":") {
	case 0:
		u.Host = segment
		return nil
	case 1:
	default:
		return errors.Wrapf(ErrIPv6Host, "%q", segment)
	}
	i := strings.LastIndexByte(segment, ':')
	u.Host = segment[:i]
	portStr := segment[i+1:]
	if portStr == "" {
		return nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return errors.Wrapf(ErrInvalidPort, "%q", portStr)
	}
	u.Port = uint16(port)
	return nil
}
