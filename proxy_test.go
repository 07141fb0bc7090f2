package webproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"

	"github.com/Sleeeeeepy/webproxy-lab/cache"
)

// testOrigin is a minimal HTTP/1.0 server recording the requests it receives.
type testOrigin struct {
	addr     string
	port     uint16
	hits     int32
	requests chan string
}

func startOrigin(t *testing.T, response string) *testOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	o := &testOrigin{
		addr:     ln.Addr().String(),
		port:     uint16(ln.Addr().(*net.TCPAddr).Port),
		requests: make(chan string, 16),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&o.hits, 1)
			go o.serve(conn, response)
		}
	}()
	return o
}

func (o *testOrigin) serve(conn net.Conn, response string) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	var req strings.Builder
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		req.WriteString(line)
		if err != nil || line == "\r\n" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(name, "Content-Length") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		io.ReadFull(br, body)
		req.Write(body)
	}
	// tests only read the requests they care about
	select {
	case o.requests <- req.String():
	default:
	}
	io.WriteString(conn, response)
}

func (o *testOrigin) Hits() int {
	return int(atomic.LoadInt32(&o.hits))
}

func (o *testOrigin) nextRequest(t *testing.T) string {
	t.Helper()
	select {
	case r := <-o.requests:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Origin received no request")
		return ""
	}
}

func startProxy(t *testing.T, config Config) (string, *Proxy) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	logger := log.Logger
	config.Logger = &logger
	p := CreateProxy(config)
	served := make(chan error, 1)
	go func() { served <- p.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().String(), p
}

// roundTrip sends raw to the proxy and reads until the proxy closes the connection.
func roundTrip(t *testing.T, proxyAddr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatal(err)
	}
	res, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("Could not read response: %v", err)
	}
	return string(res)
}

const helloResponse = "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"

func TestForwardsRequestAndRelaysResponse(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, _ := startProxy(t, Config{})

	res := roundTrip(t, proxyAddr, fmt.Sprintf("GET http://%s/a HTTP/1.1\r\nUser-Agent: test\r\nConnection: keep-alive\r\n\r\n", origin.addr))

	if res != helloResponse {
		t.Fatalf("Response is %q", res)
	}
	req := origin.nextRequest(t)
	if !strings.HasPrefix(req, "GET /a HTTP/1.0\r\n") {
		t.Fatalf("Origin request is %q", req)
	}
	lines := strings.SplitAfter(req, "\r\n")
	for _, h := range []string{userAgentHeader, "Host: 127.0.0.1\r\n", "Connection: close\r\n", "Proxy-Connection: close\r\n"} {
		count := 0
		for _, line := range lines {
			if line == h {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("Origin request should contain line %q once:\n%s", h, req)
		}
	}
	if origin.Hits() != 1 {
		t.Fatalf("Origin hit %d times", origin.Hits())
	}
}

func TestServesSecondRequestFromCache(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, p := startProxy(t, Config{})
	raw := fmt.Sprintf("GET http://%s/cached HTTP/1.0\r\n\r\n", origin.addr)

	first := roundTrip(t, proxyAddr, raw)
	second := roundTrip(t, proxyAddr, raw)

	if first != helloResponse || second != helloResponse {
		t.Fatalf("Responses are %q and %q", first, second)
	}
	if origin.Hits() != 1 {
		t.Fatalf("Origin hit %d times", origin.Hits())
	}
	if hits := testutil.ToFloat64(p.metrics.requestsTotal.WithLabelValues(outcomeHit)); hits != 1 {
		t.Fatalf("Hit counter is %v", hits)
	}
	if misses := testutil.ToFloat64(p.metrics.requestsTotal.WithLabelValues(outcomeMiss)); misses != 1 {
		t.Fatalf("Miss counter is %v", misses)
	}
}

func TestCacheKeyIsRawTarget(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, p := startProxy(t, Config{})
	target := fmt.Sprintf("http://%s/key?x=1", origin.addr)

	roundTrip(t, proxyAddr, "GET "+target+" HTTP/1.0\r\n\r\n")

	if content, found, _ := p.Cache().Get(target); !found || string(content) != helloResponse {
		t.Fatalf("Cache entry for %s: found=%v content=%q", target, found, content)
	}
}

func TestLargeResponseIsNotCached(t *testing.T) {
	body := strings.Repeat("x", cache.MaxObjectSize)
	response := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	origin := startOrigin(t, response)
	proxyAddr, _ := startProxy(t, Config{})
	raw := fmt.Sprintf("GET http://%s/large HTTP/1.0\r\n\r\n", origin.addr)

	if res := roundTrip(t, proxyAddr, raw); res != response {
		t.Fatalf("Response of %d bytes, want %d", len(res), len(response))
	}
	roundTrip(t, proxyAddr, raw)

	if origin.Hits() != 2 {
		t.Fatalf("Origin hit %d times", origin.Hits())
	}
}

func TestRelayLongLines(t *testing.T) {
	// a body without newlines, longer than the relay buffer
	body := strings.Repeat("y", 20000)
	response := "HTTP/1.0 200 OK\r\n\r\n" + body
	origin := startOrigin(t, response)
	proxyAddr, _ := startProxy(t, Config{})

	if res := roundTrip(t, proxyAddr, fmt.Sprintf("GET http://%s/ HTTP/1.0\r\n\r\n", origin.addr)); res != response {
		t.Fatalf("Response of %d bytes, want %d", len(res), len(response))
	}
}

func TestPostIsForwardedWithBodyAndNotCached(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, _ := startProxy(t, Config{})
	raw := fmt.Sprintf("POST http://%s/form HTTP/1.0\r\nContent-Length: 7\r\n\r\na=b&c=d", origin.addr)

	roundTrip(t, proxyAddr, raw)
	roundTrip(t, proxyAddr, raw)

	req := origin.nextRequest(t)
	if !strings.HasPrefix(req, "POST /form HTTP/1.0\r\n") || !strings.HasSuffix(req, "\r\n\r\na=b&c=d") {
		t.Fatalf("Origin request is %q", req)
	}
	if origin.Hits() != 2 {
		t.Fatalf("Origin hit %d times", origin.Hits())
	}
}

func TestRelativeTargetGoesToDefaultHost(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, _ := startProxy(t, Config{DefaultHost: "127.0.0.1", DefaultPort: origin.port})

	res := roundTrip(t, proxyAddr, "GET /relative/path HTTP/1.0\r\n\r\n")

	if res != helloResponse {
		t.Fatalf("Response is %q", res)
	}
	req := origin.nextRequest(t)
	if !strings.HasPrefix(req, "GET /relative/path HTTP/1.0\r\n") || !strings.Contains(req, "\r\nHost: 127.0.0.1\r\n") {
		t.Fatalf("Origin request is %q", req)
	}
}

func TestRelativeTargetWithHostGoesToRelativeAddress(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, _ := startProxy(t, Config{
		DefaultHost:  "default.invalid",
		DefaultPort:  1,
		RelativeHost: "127.0.0.1",
		RelativePort: origin.port,
	})

	res := roundTrip(t, proxyAddr, "GET /relative/path HTTP/1.0\r\nHost: client.invalid\r\n\r\n")

	if res != helloResponse {
		t.Fatalf("Response is %q", res)
	}
	if req := origin.nextRequest(t); !strings.Contains(req, "\r\nHost: 127.0.0.1\r\n") {
		t.Fatalf("Origin request is %q", req)
	}
}

func TestDirectoryTraversalIsRejected(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, _ := startProxy(t, Config{DefaultHost: "127.0.0.1", DefaultPort: origin.port})

	for _, target := range []string{"/../etc/passwd", fmt.Sprintf("http://%s/a/../../etc/passwd", origin.addr)} {
		res := roundTrip(t, proxyAddr, "GET "+target+" HTTP/1.0\r\n\r\n")
		if !strings.HasPrefix(res, "HTTP/1.0 400 Bad Request\r\n") {
			t.Fatalf("Response to %s is %q", target, res)
		}
	}
	if origin.Hits() != 0 {
		t.Fatalf("Origin hit %d times", origin.Hits())
	}
}

func TestUnreachableOriginIsServerError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	proxyAddr, p := startProxy(t, Config{})

	res := roundTrip(t, proxyAddr, fmt.Sprintf("GET http://%s/ HTTP/1.0\r\n\r\n", addr))

	if !strings.HasPrefix(res, "HTTP/1.0 500 Internal Server Error\r\n") || !strings.Contains(res, "Failed to connect to server") {
		t.Fatalf("Response is %q", res)
	}
	if n := testutil.ToFloat64(p.metrics.requestsTotal.WithLabelValues(outcomeOriginError)); n != 1 {
		t.Fatalf("Origin error counter is %v", n)
	}
}

func TestManyConcurrentClients(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	proxyAddr, p := startProxy(t, Config{})

	const clients = 20
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			conn, err := net.Dial("tcp", proxyAddr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			fmt.Fprintf(conn, "GET http://%s/%d HTTP/1.0\r\n\r\n", origin.addr, i)
			res, err := io.ReadAll(conn)
			if err == nil && string(res) != helloResponse {
				err = fmt.Errorf("response %d is %q", i, res)
			}
			errs <- err
		}(i)
	}
	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if stats, _ := p.Cache().Stats(); stats.Count != clients {
		t.Fatalf("Cache holds %d entries", stats.Count)
	}
}

func TestServeConnBadRequest(t *testing.T) {
	p := CreateProxy(Config{Logger: &log.Logger})
	client, server := net.Pipe()
	go p.ServeConn(server)

	go io.WriteString(client, "nonsense\r\n")
	res, _ := io.ReadAll(client)

	if !strings.HasPrefix(string(res), "HTTP/1.0 400 Bad Request\r\nContent-type: text/html\r\nContent-length: ") {
		t.Fatalf("Response is %q", res)
	}
	head, body, _ := strings.Cut(string(res), "\r\n\r\n")
	if !strings.Contains(head, fmt.Sprintf("Content-length: %d", len(body))) {
		t.Fatalf("Content length does not match body of %d bytes: %q", len(body), head)
	}
}

func TestShutdownPurgesCacheAndStopsServing(t *testing.T) {
	origin := startOrigin(t, helloResponse)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := CreateProxy(Config{Logger: &log.Logger})
	served := make(chan error, 1)
	go func() { served <- p.Serve(ln) }()

	roundTrip(t, ln.Addr().String(), fmt.Sprintf("GET http://%s/ HTTP/1.0\r\n\r\n", origin.addr))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if stats, _ := p.Cache().Stats(); stats.Count != 0 {
		t.Fatalf("Cache holds %d entries after shutdown", stats.Count)
	}
	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatal("Proxy still accepting connections")
	}
	if err := p.Serve(ln); err != ErrProxyClosed {
		t.Fatalf("Serve after shutdown returned %v", err)
	}
}
