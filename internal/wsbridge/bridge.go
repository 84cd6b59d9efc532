package wsbridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/imaginglake/backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = maxPayloadSize + HeaderSize
)

// route binds an action to its loopback HTTP equivalent. Path segments of the
// form :name are filled from the request payload.
type route struct {
	method string
	path   string
	// binaryResult marks actions whose successful response is raw bytes
	// rather than JSON.
	binaryResult bool
}

// Actions map one-to-one onto the admin HTTP routes; the bridge stays a thin
// multiplexer with a single authoritative implementation of each action.
var actionRoutes = map[string]route{
	"studies.search":          {method: http.MethodPost, path: "/api/studies/search"},
	"studies.search.counts":   {method: http.MethodPost, path: "/api/studies/search/counts"},
	"instances.search":        {method: http.MethodPost, path: "/api/instances/search"},
	"instances.search.counts": {method: http.MethodPost, path: "/api/instances/search/counts"},
	"studies.instances":       {method: http.MethodGet, path: "/studies/:studyInstanceUID/instances"},
	"studies.metadata":        {method: http.MethodGet, path: "/studies/:studyInstanceUID/metadata"},
	"instances.get":           {method: http.MethodGet, path: "/api/instances/:id"},
	"instances.content":       {method: http.MethodGet, path: "/api/instances/:id/content", binaryResult: true},
	"instances.rendered":      {method: http.MethodGet, path: "/studies/:studyInstanceUID/series/:seriesInstanceUID/instances/:sopInstanceUID/rendered", binaryResult: true},
	"instances.delete":        {method: http.MethodDelete, path: "/api/instances"},
	"studies.delete":          {method: http.MethodPost, path: "/api/studies/delete"},
	"dlq.count":               {method: http.MethodGet, path: "/api/dlq/count"},
	"dlq.summary":             {method: http.MethodGet, path: "/api/dlq/summary"},
	"dlq.items":               {method: http.MethodGet, path: "/api/dlq/items"},
	"dlq.requeue":             {method: http.MethodPost, path: "/api/dlq/requeue"},
	"dlq.purge":               {method: http.MethodDelete, path: "/api/dlq"},
}

// Bridge upgrades /ws connections and multiplexes binary frames onto the
// admin HTTP surface over loopback.
type Bridge struct {
	Correlator *Correlator
	// Port is the local HTTP listener the bridge proxies to.
	Port       int
	HTTPClient *http.Client
	Process    *ProcessFlow
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	upgrader websocket.Upgrader
}

func NewBridge(correlator *Correlator, port int, process *ProcessFlow, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	return &Bridge{
		Correlator: correlator,
		Port:       port,
		HTTPClient: &http.Client{},
		Process:    process,
		Metrics:    m,
		Logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// conn is one client connection. writePump is the only goroutine that
// touches the socket's write side; everything else enqueues through send and
// teardown is signalled with done, so send is never closed and handlers that
// outlive the read loop cannot race it.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	bridge *Bridge

	done      chan struct{}
	closeOnce sync.Once
	// closeMsg is set before done closes and read after it is observed
	// closed; writePump delivers it as the close frame.
	closeMsg []byte
}

// HandleWS upgrades the request and runs the connection pumps.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.Logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, 64),
		bridge: b,
		done:   make(chan struct{}),
	}
	b.Logger.Info("ws connected", "conn", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.shutdown(nil)
		c.bridge.Logger.Info("ws disconnected", "conn", c.id)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			c.shutdown(websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "Binary frames required"))
			return
		}

		frame, err := Decode(data)
		if err != nil {
			c.shutdown(websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "Invalid WS frame"))
			return
		}
		c.bridge.Metrics.WSFrames.WithLabelValues("in", KindString(frame.Kind)).Inc()

		// Each frame is an independent request.
		go c.handleFrame(frame)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			msg := c.closeMsg
			if msg == nil {
				msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}

// shutdown requests teardown: writePump sends closeMsg (when set) as the
// close frame and releases the socket. Safe to call from any goroutine.
func (c *conn) shutdown(closeMsg []byte) {
	c.closeOnce.Do(func() {
		c.closeMsg = closeMsg
		close(c.done)
	})
}

// envelope is the JSON body of a request frame.
type envelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (c *conn) handleFrame(frame *Frame) {
	var env envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		c.sendError(frame.MessageID, "", "malformed request payload", http.StatusBadRequest)
		return
	}
	if env.Action == "" {
		c.sendError(frame.MessageID, "", "missing action", http.StatusBadRequest)
		return
	}

	switch env.Action {
	case "process.run":
		c.bridge.Process.Run(c, frame.MessageID, env.Payload)
	case "process.cancel":
		c.bridge.Process.Cancel(env.Payload)
		c.sendResult(frame.MessageID, env.Action, json.RawMessage(`{"cancelled":true}`))
	default:
		c.proxy(frame.MessageID, env)
	}
}

// proxy forwards the action to the loopback HTTP route with correlation
// headers attached.
func (c *conn) proxy(msgID [16]byte, env envelope) {
	rt, ok := actionRoutes[env.Action]
	if !ok {
		c.sendError(msgID, env.Action, fmt.Sprintf("unknown action %q", env.Action), http.StatusBadRequest)
		return
	}

	path, err := fillPath(rt.path, env.Payload)
	if err != nil {
		c.sendError(msgID, env.Action, err.Error(), http.StatusBadRequest)
		return
	}

	var body io.Reader
	if rt.method == http.MethodGet {
		// GET carries no body; payload fields not consumed by the path
		// template travel as query parameters (limit, offset, ...).
		path = appendQuery(path, rt.path, env.Payload)
	} else if len(env.Payload) > 0 {
		body = bytes.NewReader(env.Payload)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", c.bridge.Port, path)
	req, err := http.NewRequestWithContext(context.Background(), rt.method, url, body)
	if err != nil {
		c.sendError(msgID, env.Action, err.Error(), http.StatusInternalServerError)
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	msgIDHex := hex.EncodeToString(msgID[:])
	req.Header.Set(HeaderConnectionID, c.id)
	req.Header.Set(HeaderMessageID, msgIDHex)
	req.Header.Set(HeaderAction, env.Action)
	req.Header.Set(HeaderSignature, c.bridge.Correlator.Sign(c.id, msgIDHex, env.Action))

	resp, err := c.bridge.HTTPClient.Do(req)
	if err != nil {
		c.sendError(msgID, env.Action, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	if err != nil {
		c.sendError(msgID, env.Action, err.Error(), http.StatusBadGateway)
		return
	}

	if resp.StatusCode >= 400 {
		reason := errorReason(respBody)
		c.sendError(msgID, env.Action, reason, resp.StatusCode)
		return
	}

	if rt.binaryResult {
		c.sendImage(msgID, env.Action, resp.Header.Get("Content-Type"), respBody)
		return
	}
	c.sendResult(msgID, env.Action, respBody)
}

// fillPath substitutes :name segments from payload fields.
func fillPath(template string, payload json.RawMessage) (string, error) {
	if !strings.Contains(template, ":") {
		return template, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("action requires an object payload")
	}

	segments := strings.Split(template, "/")
	for i, seg := range segments {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		name := seg[1:]
		val, ok := fields[name].(string)
		if !ok || val == "" {
			return "", fmt.Errorf("payload missing %q", name)
		}
		segments[i] = val
	}
	return strings.Join(segments, "/"), nil
}

// appendQuery encodes scalar payload fields not used as path segments.
func appendQuery(path, template string, payload json.RawMessage) string {
	if len(payload) == 0 {
		return path
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return path
	}

	used := map[string]bool{}
	for _, seg := range strings.Split(template, "/") {
		if strings.HasPrefix(seg, ":") {
			used[seg[1:]] = true
		}
	}

	q := url.Values{}
	for name, val := range fields {
		if used[name] {
			continue
		}
		switch v := val.(type) {
		case string:
			q.Set(name, v)
		case float64:
			q.Set(name, strconv.FormatFloat(v, 'f', -1, 64))
		case bool:
			q.Set(name, strconv.FormatBool(v))
		}
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func errorReason(body []byte) string {
	var parsed struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Reason != "" {
		return parsed.Reason
	}
	return strings.TrimSpace(string(body))
}

// sendResult frames a JSON result with the inbound message id.
func (c *conn) sendResult(msgID [16]byte, action string, data json.RawMessage) {
	body, err := json.Marshal(map[string]any{
		"type":   "result",
		"action": action,
		"data":   data,
	})
	if err != nil {
		c.sendError(msgID, action, err.Error(), http.StatusInternalServerError)
		return
	}
	c.enqueue(Encode(msgID, KindJSON, "json", body), "json")
}

func (c *conn) sendError(msgID [16]byte, action, reason string, code int) {
	body, _ := json.Marshal(map[string]any{
		"type":   "error",
		"action": action,
		"error":  reason,
		"code":   code,
	})
	c.enqueue(Encode(msgID, KindJSON, "json", body), "json")
}

// sendImage frames a binary result: 4-byte big-endian meta length, JSON meta
// record, then the raw bytes. Image payloads are never compressed.
func (c *conn) sendImage(msgID [16]byte, action, contentType string, data []byte) {
	meta, _ := json.Marshal(map[string]any{
		"type":        "result",
		"action":      action,
		"contentType": contentType,
		"size":        len(data),
	})
	payload := make([]byte, 4+len(meta)+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(meta)))
	copy(payload[4:], meta)
	copy(payload[4+len(meta):], data)
	c.enqueue(Encode(msgID, KindBinary, "image", payload), "binary")
}

func (c *conn) enqueue(frame []byte, kind string) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
		c.bridge.Metrics.WSFrames.WithLabelValues("out", kind).Inc()
	default:
		c.bridge.Logger.Warn("ws send buffer full, dropping frame", "conn", c.id)
	}
}
