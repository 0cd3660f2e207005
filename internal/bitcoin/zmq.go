package bitcoin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/zmqnotify/internal/notify"
	"github.com/bardlex/zmqnotify/pkg/errors"
)

// Context is the process-wide ZeroMQ context. Create it once at startup and
// Terminate it once at shutdown; it is never recreated in between.
type Context struct {
	zctx   *zmq.Context
	logger *slog.Logger

	mu         sync.Mutex
	sockets    map[string]*sharedSocket
	terminated bool

	termOnce sync.Once
	termErr  error
}

// NewContext creates the ZeroMQ context.
func NewContext(logger *slog.Logger) (*Context, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "zmq_context",
			"failed to create ZMQ context")
	}
	return &Context{
		zctx:    zctx,
		logger:  logger,
		sockets: make(map[string]*sharedSocket),
	}, nil
}

// sharedSocket is one bound PUB socket. Topics bound to the same address
// share it; sends are serialised by mu so multipart frames never interleave.
type sharedSocket struct {
	mu       sync.Mutex
	sock     *zmq.Socket
	address  string
	endpoint string
	hwm      int
	refs     int
	closed   bool
}

// Open binds a PUB socket on address, or returns another handle on the
// socket already bound there. It satisfies notify.SenderFactory.
func (c *Context) Open(address string, highWaterMark int) (notify.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return nil, errors.New(errors.ErrorTypeTransport, "open_socket", "ZMQ context terminated")
	}

	if s, ok := c.sockets[address]; ok {
		s.refs++
		if s.hwm != highWaterMark {
			c.logger.Warn("address already bound with a different high-water-mark, keeping the first",
				"address", address,
				"bound_hwm", s.hwm,
				"requested_hwm", highWaterMark,
			)
		}
		c.logger.Debug("reusing ZMQ socket", "address", address, "refs", s.refs)
		return &PubSocket{shared: s, owner: c}, nil
	}

	sock, err := c.zctx.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "open_socket",
			"failed to create PUB socket")
	}

	if err := configurePub(sock, highWaterMark); err != nil {
		closeQuietly(sock)
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "open_socket",
			"failed to set socket options").WithContext("address", address)
	}

	if err := sock.Bind(address); err != nil {
		closeQuietly(sock)
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "bind_socket",
			fmt.Sprintf("failed to bind %s", address))
	}

	endpoint, err := sock.GetLastEndpoint()
	if err != nil || endpoint == "" {
		endpoint = address
	}

	s := &sharedSocket{
		sock:     sock,
		address:  address,
		endpoint: endpoint,
		hwm:      highWaterMark,
		refs:     1,
	}
	c.sockets[address] = s

	c.logger.Info("bound ZMQ socket", "address", address, "endpoint", endpoint, "hwm", highWaterMark)
	return &PubSocket{shared: s, owner: c}, nil
}

func configurePub(sock *zmq.Socket, hwm int) error {
	if err := sock.SetSndhwm(hwm); err != nil {
		return err
	}
	if err := sock.SetTcpKeepalive(1); err != nil {
		return err
	}
	return nil
}

func closeQuietly(sock *zmq.Socket) {
	_ = sock.SetLinger(0)
	_ = sock.Close()
}

// release drops one reference and closes the socket with the last one.
func (c *Context) release(s *sharedSocket) error {
	c.mu.Lock()
	s.refs--
	if s.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.sockets, s.address)
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if err := s.sock.SetLinger(0); err != nil {
		c.logger.Warn("failed to set linger before close", "address", s.address, "error", err)
	}
	if err := s.sock.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "close_socket",
			fmt.Sprintf("failed to close %s", s.address))
	}
	c.logger.Info("closed ZMQ socket", "address", s.address)
	return nil
}

// Terminate closes any socket still open and tears down the context. Only
// the first call does any work.
func (c *Context) Terminate() error {
	c.termOnce.Do(func() {
		c.mu.Lock()
		c.terminated = true
		leftover := make([]*sharedSocket, 0, len(c.sockets))
		for _, s := range c.sockets {
			leftover = append(leftover, s)
		}
		c.sockets = make(map[string]*sharedSocket)
		c.mu.Unlock()

		for _, s := range leftover {
			c.logger.Warn("closing socket still open at terminate", "address", s.address, "refs", s.refs)
			s.mu.Lock()
			s.closed = true
			closeQuietly(s.sock)
			s.mu.Unlock()
		}

		if err := c.zctx.Term(); err != nil {
			c.termErr = errors.Wrap(err, errors.ErrorTypeTransport, "zmq_terminate",
				"failed to terminate ZMQ context")
		}
	})
	return c.termErr
}

// PubSocket is one topic's handle on a bound PUB socket.
type PubSocket struct {
	shared *sharedSocket
	owner  *Context

	closeOnce sync.Once
	closeErr  error
}

// SendMultipart sends parts as one message. A PUB socket drops the whole
// message rather than block when a subscriber is at its high-water-mark.
func (p *PubSocket) SendMultipart(parts [][]byte) error {
	s := p.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.ErrorTypeTransport, "send_frame", "socket closed").
			WithContext("address", s.address)
	}
	if _, err := s.sock.SendMessage(parts); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "send_frame",
			fmt.Sprintf("failed to send %d-part message", len(parts))).
			WithContext("address", s.address)
	}
	return nil
}

// Endpoint returns the resolved endpoint, with wildcard ports filled in.
func (p *PubSocket) Endpoint() string {
	return p.shared.endpoint
}

// Close releases this handle. The socket closes when its last handle does.
func (p *PubSocket) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.owner.release(p.shared)
	})
	return p.closeErr
}

// defaultPollInterval bounds how long Listen waits before checking ctx.
const defaultPollInterval = 100 * time.Millisecond

// Subscriber receives notifications from a publisher endpoint.
type Subscriber struct {
	socket       *zmq.Socket
	endpoint     string
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewSubscriber creates a SUB socket for endpoint on this context.
func (c *Context) NewSubscriber(endpoint string, logger *slog.Logger) (*Subscriber, error) {
	socket, err := c.zctx.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "open_subscriber",
			"failed to create SUB socket")
	}
	if err := socket.SetRcvtimeo(defaultPollInterval); err != nil {
		closeQuietly(socket)
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "open_subscriber",
			"failed to set receive timeout")
	}
	if err := socket.SetTcpKeepalive(1); err != nil {
		closeQuietly(socket)
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "open_subscriber",
			"failed to enable TCP keepalive")
	}

	return &Subscriber{
		socket:       socket,
		endpoint:     endpoint,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}, nil
}

// Subscribe adds a topic filter. ZeroMQ filters match on prefix.
func (s *Subscriber) Subscribe(topic string) error {
	if err := s.socket.SetSubscribe(topic); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "subscribe",
			fmt.Sprintf("failed to subscribe to topic %s", topic))
	}
	s.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the publisher endpoint.
func (s *Subscriber) Connect() error {
	if err := s.socket.Connect(s.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "connect",
			fmt.Sprintf("failed to connect to ZMQ endpoint %s", s.endpoint))
	}
	s.logger.Info("connected to ZMQ endpoint", "endpoint", s.endpoint)
	return nil
}

// Listen receives messages until ctx is done and hands each one to handler.
// Handler errors are logged and do not stop the loop.
func (s *Subscriber) Listen(ctx context.Context, handler func(parts [][]byte) error) error {
	s.logger.Info("starting ZMQ listener", "endpoint", s.endpoint)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		parts, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			if zmq.AsErrno(err) == zmq.ETERM {
				return errors.Wrap(err, errors.ErrorTypeTransport, "receive",
					"ZMQ context terminated")
			}
			s.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(parts) < 3 {
			s.logger.Warn("received malformed ZMQ message", "parts", len(parts))
			continue
		}

		if err := handler(parts); err != nil {
			s.logger.Error("failed to handle ZMQ message", "topic", string(parts[0]), "error", err)
		}
	}
}

// Close closes the SUB socket.
func (s *Subscriber) Close() error {
	if s.socket == nil {
		return nil
	}
	_ = s.socket.SetLinger(0)
	return s.socket.Close()
}
