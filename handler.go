package webproxy

import (
	"bufio"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Sleeeeeepy/webproxy-lab/cache"
)

// handle drives one request/response cycle on conn.
// The connection is left open; the caller closes it.
func (p *Proxy) handle(conn net.Conn) {
	log := p.log.With().Str("client", conn.RemoteAddr().String()).Logger()
	client := p.withTimeout(conn)
	br := bufio.NewReaderSize(client, 8192)

	req, err := readRequestLine(br)
	if errors.Is(err, ErrBadRequest) {
		log.Warn().Err(err).Msg("Bad request")
		p.metrics.observe(outcomeBadRequest)
		clientError(client, log, "Bad Request", "400", "Bad Request", "Proxy Error")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not read request")
		return
	}

	log = log.With().Str("target", req.Target).Logger()
	log.Trace().Str("method", req.Method).Str("version", req.ClientVersion).Msg("Request")
	req.readHeaders(br, p.fwd, log)

	cs := CacheStatus{}
	useCache := p.cacheMethods[req.Method]
	if useCache {
		content, found, err := p.cache.Get(req.Target)
		if err != nil {
			log.Error().Err(err).Msg("Could not read from cache")
		}
		if found {
			cs.Hit()
			p.sendCached(client, content, log)
			p.logRequest(log, req, cs)
			return
		}
		cs.Forward(CacheStatusFwdMiss)
	} else {
		cs.Forward(CacheStatusFwdMethod)
	}

	outcome := p.forward(client, br, req, &cs, useCache, log)
	p.metrics.observe(outcome)
	p.logRequest(log, req, cs)
}

func (p *Proxy) sendCached(client net.Conn, content []byte, log zerolog.Logger) {
	if err := writeAll(client, content); err != nil {
		logWriteError(log, err, "Could not send cached response to client")
		p.metrics.observe(outcomeClientError)
		return
	}
	p.metrics.observe(outcomeHit)
	log.Trace().Msgf("Wrote cached response (%d bytes)", len(content))
}

// store saves a fully relayed response under the raw request-target.
func (p *Proxy) store(req *Request, content []byte, cs *CacheStatus, log zerolog.Logger) {
	err := p.cache.Put(cache.CacheEntry{
		Key:        req.Target,
		Bytes:      content,
		LastAccess: time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not save response to cache")
		return
	}
	cs.Stored()
	p.metrics.cachedBytes.Add(float64(len(content)))
}

func (p *Proxy) logRequest(log zerolog.Logger, req *Request, cs CacheStatus) {
	isHit := 0
	if cs.status == CacheStatusHit {
		isHit = 1
	}
	log.Debug().
		Str("method", req.Method).
		Str("origin", req.URL.Address()).
		Str("path", req.URL.Path).
		Str("status", string(cs.status)).
		Str("fwd", string(cs.fwdReason)).
		Bool("stored", cs.stored).
		Int("hit", isHit).
		Msg(cs.String())
}
