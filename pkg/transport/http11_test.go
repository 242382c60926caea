package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/timing"
)

func TestHTTP11ConnectionDoParsesResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	origin := addr.Origin{Scheme: "http", Host: "a.test", Port: 80}
	conn := NewHTTP11Connection(Wrap(client), origin)

	go func() {
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			return
		}
		if req.Method != "GET" || req.RequestURI != "http://a.test/x" {
			t.Errorf("unexpected request: %s %s", req.Method, req.RequestURI)
		}
		server.Write([]byte("HTTP/1.1 204 No Content\r\nX-Test: yes\r\n\r\n"))
	}()

	status, reason, headers, body, err := conn.Do(context.Background(), "GET", "http://a.test/x",
		addr.Headers{{Name: []byte("Host"), Value: []byte("a.test")}}, nil, timing.NoBudget)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if status != 204 || reason != "No Content" {
		t.Fatalf("Do() = (%d, %q), want (204, %q)", status, reason, "No Content")
	}
	if v, ok := headers.Get("X-Test"); !ok || string(v) != "yes" {
		t.Fatalf("missing X-Test header in response: %v", headers)
	}
	body.Close()
}

func TestHTTP11ConnectionDoConnectTarget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	origin := addr.Origin{Scheme: "https", Host: "b.test", Port: 443}
	conn := NewHTTP11Connection(Wrap(client), origin)

	requestLine := make(chan string, 1)
	go func() {
		r := bufio.NewReader(server)
		line, _ := r.ReadString('\n')
		requestLine <- line
		for {
			l, err := r.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	status, _, _, body, err := conn.Do(context.Background(), "CONNECT", "b.test:443", nil, nil, timing.NoBudget)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	body.Close()

	select {
	case line := <-requestLine:
		if line != "CONNECT b.test:443 HTTP/1.1\r\n" {
			t.Fatalf("request line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request line")
	}
}
