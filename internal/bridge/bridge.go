// Package bridge splices an operator's websocket onto a sandbox's vault
// gateway so a human can unlock the vault from outside the container
// network. The bridge never parses, logs, or rewrites payload frames; it
// authenticates the operator, wakes the sandbox, and forwards bytes.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/httpx"
	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/wake"
)

const (
	// DefaultUpstreamPath is the vault gateway's unlock socket.
	DefaultUpstreamPath = "/vault/ws"

	DefaultDialTimeout   = 10 * time.Second
	DefaultMaxFrameBytes = 1 << 20
	DefaultQueueDepth    = 64

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Waker brings a sandbox to running before the bridge dials it. The wake
// coordinator implements it.
type Waker interface {
	Wake(ctx context.Context, tenantID string, reason wake.Reason) (wake.Result, error)
}

// Options tune a Bridge. Zero values select defaults.
type Options struct {
	// AdminToken gates the operator side, compared constant-time.
	AdminToken string

	UpstreamPath  string
	DialTimeout   time.Duration
	MaxFrameBytes int64

	// QueueDepth bounds the frames held while the upstream dial is still in
	// flight. A full queue applies backpressure to the operator socket.
	QueueDepth int

	// UpstreamURL overrides how the sandbox socket address is built from a
	// registry record. The default dials loopback on the ingress port.
	UpstreamURL func(sb registry.Sandbox) string

	Logger *slog.Logger
}

// Bridge proxies unlock sessions. Safe for concurrent use; each session is
// torn down independently.
type Bridge struct {
	reg   *registry.Registry
	waker Waker

	adminToken  string
	dialTimeout time.Duration
	maxFrame    int64
	queueDepth  int
	upstreamURL func(sb registry.Sandbox) string

	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New wires a bridge over the registry and wake coordinator.
func New(reg *registry.Registry, waker Waker, opts Options) *Bridge {
	if opts.UpstreamPath == "" {
		opts.UpstreamPath = DefaultUpstreamPath
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	upstreamURL := opts.UpstreamURL
	if upstreamURL == nil {
		path := opts.UpstreamPath
		upstreamURL = func(sb registry.Sandbox) string {
			return "ws://127.0.0.1:" + strconv.Itoa(sb.IngressPort) + path
		}
	}
	return &Bridge{
		reg:         reg,
		waker:       waker,
		adminToken:  opts.AdminToken,
		dialTimeout: opts.DialTimeout,
		maxFrame:    opts.MaxFrameBytes,
		queueDepth:  opts.QueueDepth,
		upstreamURL: upstreamURL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: opts.Logger.With("component", "bridge"),
	}
}

// Handle serves one unlock session. Mount under a mux route carrying a
// {tenantId} variable. Authentication, tenant lookup, and the wake all
// happen before the upgrade so failures surface as plain HTTP errors.
func (b *Bridge) Handle(w http.ResponseWriter, r *http.Request) {
	token := httpx.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if !httpx.SecureCompare(token, b.adminToken) {
		httpx.WriteError(w, b.log, errdefs.New(errdefs.KindAuthFailed, "admin token rejected"))
		return
	}

	tenantID := mux.Vars(r)["tenantId"]
	sb, ok := b.reg.Get(tenantID)
	if !ok {
		httpx.WriteError(w, b.log, errdefs.Newf(errdefs.KindNotFound, "unknown tenant %q", tenantID))
		return
	}

	if _, err := b.waker.Wake(r.Context(), tenantID, wake.ReasonDirect); err != nil {
		b.log.Warn("wake failed ahead of unlock session", "tenant", tenantID, "error", err)
		httpx.WriteError(w, b.log, err)
		return
	}
	// The wake can refresh the record.
	if sb, ok = b.reg.Get(tenantID); !ok {
		httpx.WriteError(w, b.log, errdefs.Newf(errdefs.KindNotFound, "tenant %q disappeared during wake", tenantID))
		return
	}

	client, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("unlock upgrade failed", "tenant", tenantID, "error", err)
		return
	}

	s := &session{
		bridge:   b,
		tenantID: tenantID,
		client:   client,
		frames:   make(chan frame, b.queueDepth),
		done:     make(chan struct{}),
	}
	s.run(sb)
}

type frame struct {
	messageType int
	data        []byte
}

// session is one spliced connection pair. Frame bytes pass through untouched.
type session struct {
	bridge   *Bridge
	tenantID string

	client *websocket.Conn

	mu       sync.Mutex
	upstream *websocket.Conn
	closed   bool

	// frames buffers operator frames while the upstream dial is in flight;
	// channel order preserves arrival order.
	frames chan frame
	done   chan struct{}
	once   sync.Once
}

// setUpstream publishes the dialed connection unless the session already
// tore down while the dial was in flight.
func (s *session) setUpstream(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.upstream = c
	return true
}

func (s *session) run(sb registry.Sandbox) {
	b := s.bridge
	b.log.Info("unlock session opened", "tenant", s.tenantID)

	s.client.SetReadLimit(b.maxFrame)
	s.client.SetReadDeadline(time.Now().Add(pongWait))
	s.client.SetPongHandler(func(string) error {
		return s.client.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Operator frames start queueing immediately so nothing typed during
	// the dial is lost.
	go s.readClient()

	dialer := websocket.Dialer{HandshakeTimeout: b.dialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sb.GatewayToken)
	upstream, resp, err := dialer.Dial(b.upstreamURL(sb), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		b.log.Warn("sandbox gateway dial failed", "tenant", s.tenantID, "error", err)
		s.teardown()
		return
	}
	if !s.setUpstream(upstream) {
		upstream.Close()
		return
	}
	upstream.SetReadLimit(b.maxFrame)
	upstream.SetReadDeadline(time.Now().Add(pongWait))
	upstream.SetPongHandler(func(string) error {
		return upstream.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writeUpstream()
	go s.ping()
	s.readUpstream()
}

// readClient owns all reads from the operator socket.
func (s *session) readClient() {
	defer s.teardown()
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			return
		}
		s.client.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case s.frames <- frame{messageType: mt, data: data}:
		case <-s.done:
			return
		}
	}
}

// writeUpstream owns all data writes to the sandbox socket. Draining the
// frame channel here flushes anything queued during the dial in FIFO order.
func (s *session) writeUpstream() {
	defer s.teardown()
	for {
		select {
		case f := <-s.frames:
			s.upstream.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.upstream.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readUpstream owns all reads from the sandbox socket and all data writes to
// the operator socket. Sandbox-side frames count as tenant activity.
func (s *session) readUpstream() {
	defer s.teardown()
	for {
		mt, data, err := s.upstream.ReadMessage()
		if err != nil {
			return
		}
		s.upstream.SetReadDeadline(time.Now().Add(pongWait))
		s.bridge.reg.Touch(s.tenantID)
		s.client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.client.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

// ping keeps both halves alive. WriteControl is safe alongside the data
// writers.
func (s *session) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			s.client.WriteControl(websocket.PingMessage, nil, deadline)
			s.upstream.WriteControl(websocket.PingMessage, nil, deadline)
		case <-s.done:
			return
		}
	}
}

// teardown closes both halves exactly once. Either side closing brings the
// whole session down.
func (s *session) teardown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		upstream := s.upstream
		s.mu.Unlock()

		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.client.WriteControl(websocket.CloseMessage, msg, deadline)
		s.client.Close()
		if upstream != nil {
			upstream.WriteControl(websocket.CloseMessage, msg, deadline)
			upstream.Close()
		}
		s.bridge.log.Info("unlock session closed", "tenant", s.tenantID)
	})
}
