package tee

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestResponseIsRelayedAndSaved(t *testing.T) {
	client := &bytes.Buffer{}
	rs := NewResponseSaver(client, 1024)
	rs.Write([]byte("HTTP/1.0 200 OK\r\n"))
	rs.Write([]byte("\r\n"))
	rs.Write([]byte("body"))

	if client.String() != "HTTP/1.0 200 OK\r\n\r\nbody" {
		t.Fatalf("client got %q", client.String())
	}
	if !bytes.Equal(rs.Response(), client.Bytes()) {
		t.Fatalf("saved %q", rs.Response())
	}
	if !rs.Cacheable() {
		t.Fatal("response should be cacheable")
	}
	if rs.Total() != client.Len() {
		t.Fatalf("total is %d", rs.Total())
	}
}

func TestOversizedResponseIsRelayedButNotSaved(t *testing.T) {
	client := &bytes.Buffer{}
	rs := NewResponseSaver(client, 10)
	rs.Write([]byte("0123456789"))
	if rs.Cacheable() {
		t.Fatal("a response of exactly the limit is not cacheable")
	}
	rs.Write([]byte("more"))
	if client.String() != "0123456789more" {
		t.Fatalf("client got %q", client.String())
	}
	if len(rs.Response()) != 0 {
		t.Fatalf("saved %q", rs.Response())
	}
	if rs.Cacheable() {
		t.Fatal("oversized response should not be cacheable")
	}
}

type failingWriter struct {
	after int
	n     int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.n >= f.after {
		return 0, errors.New("broken pipe")
	}
	f.n++
	return len(p), nil
}

func TestClientFailureStopsSaving(t *testing.T) {
	rs := NewResponseSaver(&failingWriter{after: 1}, 1024)
	if _, err := rs.Write([]byte("first")); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if _, err := rs.Write([]byte("second")); err == nil {
		t.Fatal("expected error from second write")
	}
	if _, err := rs.Write([]byte("third")); err == nil {
		t.Fatal("expected sticky error")
	}
	if rs.Cacheable() {
		t.Fatal("partial response should not be cacheable")
	}
	if rs.ClientErr() == nil || !strings.Contains(rs.ClientErr().Error(), "broken pipe") {
		t.Fatalf("ClientErr is %v", rs.ClientErr())
	}
	if string(rs.Response()) != "first" {
		t.Fatalf("saved %q", rs.Response())
	}
}
