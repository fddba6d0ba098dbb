package peerwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// CommandKind selects the socket operation a Command performs.
type CommandKind uint8

const (
	CmdConnect CommandKind = iota
	CmdSend
	CmdReceive
	CmdReceiveWithPrefix
	CmdClose
)

func (k CommandKind) String() string {
	switch k {
	case CmdConnect:
		return "connect"
	case CmdSend:
		return "send"
	case CmdReceive:
		return "receive"
	case CmdReceiveWithPrefix:
		return "receive-with-prefix"
	case CmdClose:
		return "close"
	}
	return fmt.Sprintf("command(%d)", uint8(k))
}

// Command is queued to the channel's worker.
type Command struct {
	Kind CommandKind
	Addr string
	Data []byte
	// N is the byte count for CmdReceive and the prefix width for
	// CmdReceiveWithPrefix.
	N int
}

// ReplyStatus tags a Reply. The zero value is ReplyNone.
type ReplyStatus uint8

const (
	ReplyNone ReplyStatus = iota
	ReplySuccess
	ReplyError
)

func (s ReplyStatus) String() string {
	switch s {
	case ReplySuccess:
		return "success"
	case ReplyError:
		return "error"
	}
	return "none"
}

// Reply answers exactly one Command. Replies come back in the order the
// commands were accepted.
type Reply struct {
	Status ReplyStatus
	Kind   CommandKind
	// Prefix holds the raw length prefix of a CmdReceiveWithPrefix.
	Prefix []byte
	// Payload holds received bytes. On a short read it holds what arrived
	// before the stream ended.
	Payload []byte
	Err     error
}

// SocketConfig bounds the blocking calls made by the worker.
type SocketConfig struct {
	DialTimeout time.Duration
	// IOTimeout is applied as a deadline to every send and receive command.
	IOTimeout time.Duration
	// MaxFrameSize caps the declared length of a prefixed frame; 0 is no cap.
	MaxFrameSize int
	// Limiter, when set, paces reads.
	Limiter *rate.Limiter
	// QueueSize bounds the commands waiting on the worker; further
	// submissions fail with ErrQueueFull.
	QueueSize int
}

// KeepAliveInterval is how often an idle peer is expected to send a
// keep-alive. Read deadlines should be longer.
const KeepAliveInterval = 2 * time.Minute

const defaultQueueSize = 16

// SocketChannel owns one TCP connection. Commands are queued and executed
// one at a time by a dedicated goroutine; results are collected with
// GetReply, which never has to block.
type SocketChannel struct {
	cfg      SocketConfig
	ctx      context.Context
	commands chan Command
	replies  chan Reply
	done     chan struct{}

	// written by the worker goroutine only, under connMu
	connMu sync.Mutex
	conn   net.Conn

	connected int32
	closing   int32
}

// NewSocketChannel starts the worker. Cancelling ctx stops it after the
// command in flight, if any, returns.
func NewSocketChannel(ctx context.Context, cfg SocketConfig) *SocketChannel {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	s := &SocketChannel{
		cfg:      cfg,
		ctx:      ctx,
		commands: make(chan Command, cfg.QueueSize),
		// one extra slot for the reply of the command in flight
		replies: make(chan Reply, cfg.QueueSize+1),
		done:    make(chan struct{}),
	}
	go s.run()
	go s.watchContext()
	return s
}

// watchContext closes the connection when ctx ends so a worker blocked in
// a read or write returns.
func (s *SocketChannel) watchContext() {
	select {
	case <-s.ctx.Done():
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	case <-s.done:
	}
}

func (s *SocketChannel) setConn(c net.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *SocketChannel) Connect(addr string) error {
	return s.submit(Command{Kind: CmdConnect, Addr: addr})
}

func (s *SocketChannel) Send(b []byte) error {
	return s.submit(Command{Kind: CmdSend, Data: b})
}

// Receive reads exactly n bytes.
func (s *SocketChannel) Receive(n int) error {
	if n < 0 {
		return fmt.Errorf("receive: negative length %d", n)
	}
	return s.submit(Command{Kind: CmdReceive, N: n})
}

// ReceiveWithPrefix reads a big-endian length of width bytes (1, 2, 4 or 8)
// then that many bytes of body.
func (s *SocketChannel) ReceiveWithPrefix(width int) error {
	switch width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidPrefixWidth, width)
	}
	return s.submit(Command{Kind: CmdReceiveWithPrefix, N: width})
}

// Close queues release of the socket. Later submissions fail with
// ErrChannelClosed. Unlike the other commands it waits for queue room.
func (s *SocketChannel) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closing, 0, 1) {
		return ErrChannelClosed
	}
	return s.enqueue(Command{Kind: CmdClose})
}

// IsConnected is a best-effort hint, updated by the worker when a connect or
// close completes. It can change before the matching reply is read, so a
// connect failure must still be taken from the reply.
func (s *SocketChannel) IsConnected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

// Done is closed once the worker has exited and the socket is released.
func (s *SocketChannel) Done() <-chan struct{} {
	return s.done
}

// GetReply returns the next reply in submission order. With block false it
// returns a ReplyNone reply at once when nothing is ready. With block true
// it waits up to timeout, or indefinitely when timeout is 0. Once the worker
// has exited and every reply is drained it returns ErrChannelClosed.
func (s *SocketChannel) GetReply(block bool, timeout time.Duration) Reply {
	select {
	case r := <-s.replies:
		return r
	default:
	}
	if !block {
		select {
		case <-s.done:
			return s.drained()
		default:
			return Reply{}
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-s.replies:
		return r
	case <-s.done:
		return s.drained()
	case <-expired:
		return Reply{}
	}
}

func (s *SocketChannel) drained() Reply {
	select {
	case r := <-s.replies:
		return r
	default:
		return Reply{Status: ReplyError, Err: ErrChannelClosed}
	}
}

// submit queues cmd without waiting. Once QueueSize commands are queued
// behind unread replies it returns ErrQueueFull; read replies to make room.
func (s *SocketChannel) submit(cmd Command) error {
	if atomic.LoadInt32(&s.closing) == 1 {
		return ErrChannelClosed
	}
	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *SocketChannel) enqueue(cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return ErrChannelClosed
	}
}

func (s *SocketChannel) run() {
	defer close(s.done)
	defer s.release()
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.commands:
			r := s.handle(cmd)
			select {
			case s.replies <- r:
			case <-s.ctx.Done():
				return
			}
			if cmd.Kind == CmdClose {
				return
			}
		}
	}
}

func (s *SocketChannel) release() {
	if s.conn != nil {
		s.conn.Close()
		s.setConn(nil)
	}
	atomic.StoreInt32(&s.connected, 0)
}

// handle turns every failure into an error reply; the worker keeps going.
func (s *SocketChannel) handle(cmd Command) Reply {
	r := Reply{Status: ReplySuccess, Kind: cmd.Kind}
	var err error
	switch cmd.Kind {
	case CmdConnect:
		err = s.handleConnect(cmd.Addr)
	case CmdSend:
		err = s.handleSend(cmd.Data)
	case CmdReceive:
		r.Payload, err = s.handleReceive(cmd.N)
	case CmdReceiveWithPrefix:
		r.Prefix, r.Payload, err = s.handleReceiveWithPrefix(cmd.N)
	case CmdClose:
		err = s.handleClose()
	default:
		err = fmt.Errorf("unknown command %s", cmd.Kind)
	}
	if err != nil {
		r.Status = ReplyError
		r.Err = fmt.Errorf("%s: %w", cmd.Kind, err)
	}
	return r
}

func (s *SocketChannel) handleConnect(addr string) error {
	if s.conn != nil {
		return fmt.Errorf("already connected to %s", s.conn.RemoteAddr())
	}
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		return err
	}
	s.setConn(conn)
	atomic.StoreInt32(&s.connected, 1)
	return nil
}

func (s *SocketChannel) handleSend(b []byte) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	s.setDeadline()
	n, err := s.conn.Write(b)
	if err != nil {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(b), err)
	}
	return nil
}

func (s *SocketChannel) handleReceive(n int) ([]byte, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	s.setDeadline()
	buf := make([]byte, n)
	got, err := s.readFull(buf)
	return buf[:got], err
}

func (s *SocketChannel) handleReceiveWithPrefix(width int) ([]byte, []byte, error) {
	if s.conn == nil {
		return nil, nil, ErrNotConnected
	}
	s.setDeadline()
	prefix := make([]byte, width)
	if got, err := s.readFull(prefix); err != nil {
		return prefix[:got], nil, err
	}
	var length uint64
	for _, b := range prefix {
		length = length<<8 | uint64(b)
	}
	if (s.cfg.MaxFrameSize > 0 && length > uint64(s.cfg.MaxFrameSize)) || length > uint64(maxInt) {
		return prefix, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	body := make([]byte, int(length))
	got, err := s.readFull(body)
	return prefix, body[:got], err
}

func (s *SocketChannel) handleClose() error {
	defer atomic.StoreInt32(&s.connected, 0)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.setConn(nil)
	return err
}

const maxInt = int(^uint(0) >> 1)

func (s *SocketChannel) setDeadline() {
	if s.cfg.IOTimeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout))
	}
}

// readFull fills buf, waiting on the limiter in chunks no larger than its
// burst. A stream that ends early yields ErrClosedPrematurely.
func (s *SocketChannel) readFull(buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		chunk := len(buf) - read
		if l := s.cfg.Limiter; l != nil && l.Limit() != rate.Inf && l.Burst() > 0 {
			if chunk > l.Burst() {
				chunk = l.Burst()
			}
			if err := l.WaitN(s.ctx, chunk); err != nil {
				return read, err
			}
		}
		n, err := io.ReadFull(s.conn, buf[read:read+chunk])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return read, fmt.Errorf("%w: got %d of %d bytes", ErrClosedPrematurely, read, len(buf))
			}
			return read, err
		}
	}
	return read, nil
}
