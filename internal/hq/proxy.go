package hq

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibetunnel/vibetunnel/internal/session"
)

// proxyDeadlineBuffer is shaved off the caller's remaining deadline so
// HQ can still render a response after an upstream timeout.
const proxyDeadlineBuffer = 500 * time.Millisecond

// hopHeaders are stripped when forwarding, per RFC 7230 §6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy re-emits req verbatim against the remote and streams the
// response back. Auth is rewritten to the remote's bearer token. A
// transport failure yields 502.
func (r *Registry) Proxy(w http.ResponseWriter, req *http.Request, rem Remote) {
	ctx := req.Context()
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline.Add(-proxyDeadlineBuffer))
		defer cancel()
	}

	target := rem.URL + req.URL.Path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	out.Header = req.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Header.Set("Authorization", "Bearer "+rem.Token)

	resp, err := http.DefaultClient.Do(out)
	if err != nil {
		r.logger.Warn("Proxy to remote failed", "remote", rem.Name, "error", err)
		http.Error(w, "remote unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
}

// BridgeWS upgrades the client side and opens a matching socket to the
// remote, shuttling frames both ways until either side closes.
func (r *Registry) BridgeWS(w http.ResponseWriter, req *http.Request, rem Remote, upgrader *websocket.Upgrader) {
	target, err := wsURL(rem.URL, req.URL.Path, req.URL.RawQuery)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+rem.Token)
	upstream, resp, err := websocket.DefaultDialer.Dial(target, hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		r.logger.Warn("WS bridge dial failed", "remote", rem.Name, "error", err)
		http.Error(w, "remote unreachable", http.StatusBadGateway)
		return
	}

	client, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		upstream.Close()
		return
	}

	errc := make(chan error, 2)
	go shuttle(client, upstream, errc)
	go shuttle(upstream, client, errc)
	<-errc
	client.Close()
	upstream.Close()
}

// DialBuffers opens the remote's multiplexed buffer socket with its
// bearer token. The caller steers it with subscribe messages and reads
// back 0xBF frames.
func (r *Registry) DialBuffers(rem Remote) (*websocket.Conn, error) {
	target, err := wsURL(rem.URL, "/ws/buffers", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUpstreamUnreachable, err)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+rem.Token)
	conn, resp, err := websocket.DefaultDialer.Dial(target, hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		r.logger.Warn("Buffer socket dial failed", "remote", rem.Name, "error", err)
		return nil, fmt.Errorf("%w: %v", session.ErrUpstreamUnreachable, err)
	}
	return conn, nil
}

// shuttle copies frames from src to dst, preserving message type.
func shuttle(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errc <- err
			return
		}
	}
}

func wsURL(base, path, query string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	u.RawQuery = query
	return u.String(), nil
}

// flushCopy streams body to w, flushing after every chunk so streaming
// endpoints stay live through the proxy.
func flushCopy(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
