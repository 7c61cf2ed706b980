package meshdht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	// DefaultRPCTimeout is how long a caller waits for a response datagram.
	DefaultRPCTimeout = 5 * time.Second

	// MaxRequestSize is the largest framed request a sender will release.
	MaxRequestSize = 512

	kindRequest  = 0x00
	kindResponse = 0x01

	msgIDLength  = 20
	headerLength = 1 + msgIDLength

	// readBufferSize accommodates response datagrams, which are not
	// subject to the request size limit.
	readBufferSize = 64 * 1024
)

var (
	// ErrRPCTimeout is returned when no response arrives in time. Routing
	// maintenance treats it as the sole signal of peer death.
	ErrRPCTimeout = errors.New("meshdht: rpc timeout")

	// ErrRequestTooLarge is returned when a framed request exceeds
	// MaxRequestSize. The datagram is never sent.
	ErrRequestTooLarge = errors.New("meshdht: framed request exceeds size limit")

	// ErrTransportClosed is returned for calls issued after Close.
	ErrTransportClosed = errors.New("meshdht: transport closed")

	errMalformedBody = errors.New("meshdht: malformed request body")
)

// HandlerFunc serves one inbound RPC. The returned value is framed as the
// response body; a non-nil error drops the request without answering.
type HandlerFunc func(from *net.UDPAddr, args msgpack.RawMessage) (interface{}, error)

// wireRequest is the request body: exactly [method, args].
type wireRequest struct {
	_msgpack struct{} `msgpack:",as_array"`

	Method string
	Args   msgpack.RawMessage
}

type callResult struct {
	body msgpack.RawMessage
	err  error
}

// pendingCall tracks one in-flight request until its response or timeout,
// whichever fires first.
type pendingCall struct {
	done   chan callResult
	timer  *time.Timer
	addr   *net.UDPAddr
	method string
}

// Transport frames request/response RPCs over a single shared UDP socket.
// Responses are correlated to requests by a 20-byte random message ID.
type Transport struct {
	conn    *net.UDPConn
	timeout time.Duration
	log     *zap.Logger

	handlers map[string]HandlerFunc

	mu      sync.Mutex
	pending map[[msgIDLength]byte]*pendingCall
	closed  bool

	wg sync.WaitGroup
}

// NewTransport wraps a bound UDP socket. Handlers must be registered before
// Start.
func NewTransport(conn *net.UDPConn, timeout time.Duration, logger *zap.Logger) *Transport {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		conn:     conn,
		timeout:  timeout,
		log:      logger,
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[[msgIDLength]byte]*pendingCall),
	}
}

// Handle registers the handler for a wire method name. Requests naming an
// unregistered method are dropped.
func (t *Transport) Handle(method string, fn HandlerFunc) {
	t.handlers[method] = fn
}

// Start begins reading datagrams.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.readLoop()
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts the socket down and fails all in-flight calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for id, pc := range t.pending {
		pc.timer.Stop()
		pc.done <- callResult{err: ErrTransportClosed}
		delete(t.pending, id)
	}
	t.mu.Unlock()

	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// Call sends a request and waits for the correlated response, the RPC
// timeout, or ctx cancellation. Errors are always local; nothing is ever
// answered with an error on the wire.
func (t *Transport) Call(ctx context.Context, addr *net.UDPAddr, method string, args interface{}) (msgpack.RawMessage, error) {
	rawArgs, err := msgpack.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", method, err)
	}
	body, err := msgpack.Marshal(&wireRequest{Method: method, Args: rawArgs})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	frame := make([]byte, 0, headerLength+len(body))
	frame = append(frame, kindRequest)
	msgID := newMessageID()
	frame = append(frame, msgID[:]...)
	frame = append(frame, body...)
	if len(frame) > MaxRequestSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrRequestTooLarge, method, len(frame))
	}

	pc := &pendingCall{
		done:   make(chan callResult, 1),
		addr:   addr,
		method: method,
	}

	// The pending entry must exist before the datagram leaves the socket;
	// a response can otherwise arrive first and be dropped as unknown.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.pending[msgID] = pc
	pc.timer = time.AfterFunc(t.timeout, func() { t.expire(msgID) })
	t.mu.Unlock()

	if _, err := t.conn.WriteToUDP(frame, addr); err != nil {
		t.forget(msgID)
		return nil, fmt.Errorf("send %s to %s: %w", method, addr, err)
	}

	select {
	case res := <-pc.done:
		return res.body, res.err
	case <-ctx.Done():
		t.forget(msgID)
		return nil, ctx.Err()
	}
}

// expire fires when a pending call's timer lapses.
func (t *Transport) expire(msgID [msgIDLength]byte) {
	t.mu.Lock()
	pc, ok := t.pending[msgID]
	if ok {
		delete(t.pending, msgID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.log.Debug("rpc timed out",
		zap.String("method", pc.method),
		zap.Stringer("peer", pc.addr),
	)
	pc.done <- callResult{err: ErrRPCTimeout}
}

// forget vacates a pending entry without fulfilling it.
func (t *Transport) forget(msgID [msgIDLength]byte) {
	t.mu.Lock()
	if pc, ok := t.pending[msgID]; ok {
		pc.timer.Stop()
		delete(t.pending, msgID)
	}
	t.mu.Unlock()
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Warn("udp read failed", zap.Error(err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		// A valid frame is the 21-byte header plus a non-empty body.
		if n <= headerLength {
			t.log.Debug("dropping short datagram",
				zap.Int("bytes", n),
				zap.Stringer("peer", from),
			)
			continue
		}

		kind := buf[0]
		var msgID [msgIDLength]byte
		copy(msgID[:], buf[1:headerLength])
		body := make([]byte, n-headerLength)
		copy(body, buf[headerLength:n])

		switch kind {
		case kindRequest:
			go t.serveRequest(from, msgID, body)
		case kindResponse:
			t.fulfil(from, msgID, body)
		default:
			t.log.Debug("dropping datagram with unknown kind",
				zap.Uint8("kind", kind),
				zap.Stringer("peer", from),
			)
		}
	}
}

// fulfil completes the pending call registered under msgID. Responses with
// no pending entry (late arrivals included) are logged and dropped.
func (t *Transport) fulfil(from *net.UDPAddr, msgID [msgIDLength]byte, body []byte) {
	t.mu.Lock()
	pc, ok := t.pending[msgID]
	if ok {
		pc.timer.Stop()
		delete(t.pending, msgID)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Debug("dropping response with unknown msgid", zap.Stringer("peer", from))
		return
	}
	pc.done <- callResult{body: body}
}

// serveRequest decodes one inbound request, dispatches it, and answers with
// the handler's result under the same message ID.
func (t *Transport) serveRequest(from *net.UDPAddr, msgID [msgIDLength]byte, body []byte) {
	var req wireRequest
	if err := msgpack.Unmarshal(body, &req); err != nil {
		t.log.Warn("malformed request body",
			zap.Stringer("peer", from),
			zap.Error(errMalformedBody),
		)
		return
	}

	handler, ok := t.handlers[req.Method]
	if !ok {
		t.log.Debug("dropping request for unknown method",
			zap.String("method", req.Method),
			zap.Stringer("peer", from),
		)
		return
	}

	result, err := handler(from, req.Args)
	if err != nil {
		t.log.Warn("handler failed",
			zap.String("method", req.Method),
			zap.Stringer("peer", from),
			zap.Error(err),
		)
		return
	}

	respBody, err := msgpack.Marshal(result)
	if err != nil {
		t.log.Warn("encode response failed",
			zap.String("method", req.Method),
			zap.Error(err),
		)
		return
	}

	frame := make([]byte, 0, headerLength+len(respBody))
	frame = append(frame, kindResponse)
	frame = append(frame, msgID[:]...)
	frame = append(frame, respBody...)
	if _, err := t.conn.WriteToUDP(frame, from); err != nil {
		t.log.Warn("send response failed",
			zap.String("method", req.Method),
			zap.Stringer("peer", from),
			zap.Error(err),
		)
	}
}

func newMessageID() [msgIDLength]byte {
	var id [msgIDLength]byte
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("meshdht: random source unavailable: %v", err))
	}
	return id
}
