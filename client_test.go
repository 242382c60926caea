package h2transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaywire/h2transport/pkg/addr"
	"github.com/relaywire/h2transport/pkg/timing"
)

// serveOnce accepts a single HTTP/1.1 connection on ln, answers the i-th
// request on it with a 200 OK whose body is bodies[i], and keeps the socket
// open until the client closes it.
func serveOnce(t *testing.T, ln net.Listener, bodies []string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for _, body := range bodies {
			req, err := http.ReadRequest(r)
			if err != nil {
				return
			}
			io.Copy(io.Discard, req.Body)
			resp := "HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n" + body
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
		io.Copy(io.Discard, r)
	}()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestClientDirectHTTPReusesPooledConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serveOnce(t, ln, []string{"first", "second"})

	tcpAddr := ln.Addr().(*net.TCPAddr)
	origin := addr.Origin{Scheme: "http", Host: "127.0.0.1", Port: tcpAddr.Port}

	client := New(DefaultOptions())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, want := range []string{"first", "second"} {
		url := addr.URL{Scheme: origin.Scheme, Host: origin.Host, Port: origin.Port, Target: "/x"}
		version, status, _, _, body, err := client.Request(ctx, "GET", url, nil, nil, timing.NoBudget)
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		if version != "HTTP/1.1" || status != 200 {
			t.Fatalf("Request() = (%q, %d), want (HTTP/1.1, 200)", version, status)
		}
		data, _ := io.ReadAll(body)
		if string(data) != want {
			t.Fatalf("body = %q, want %q", data, want)
		}
		body.Close()
	}

	stats := client.Stats()
	if stats.Created != 1 {
		t.Fatalf("pool stats.Created = %d, want 1 (only the first request dials)", stats.Created)
	}
	if stats.Reused != 2 {
		t.Fatalf("pool stats.Reused = %d, want 2 (every response_closed call re-registers the live connection)", stats.Reused)
	}
}
