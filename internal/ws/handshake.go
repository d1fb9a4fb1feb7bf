package ws

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// keyGUID is the fixed GUID appended to the client key when computing the
// accept token (RFC 6455 §1.3).
const keyGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var errNoWebSocketKey = errors.New("ws: upgrade request has no Sec-WebSocket-Key")

func acceptToken(key string) string {
	sum := sha1.Sum([]byte(key + keyGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// handshake reads the HTTP upgrade request from br and writes the 101
// response on conn. On a missing or unreadable key the raw connection must
// be closed by the caller; no session exists yet.
func handshake(conn net.Conn, br *bufio.Reader) error {
	req, err := http.ReadRequest(br)
	if err != nil {
		return fmt.Errorf("ws: read upgrade request: %w", err)
	}

	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return errNoWebSocketKey
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptToken(key) + "\r\n\r\n"

	if _, err := conn.Write([]byte(resp)); err != nil {
		return fmt.Errorf("ws: write upgrade response: %w", err)
	}
	return nil
}
