package upstream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/ericogr/amqp-conn/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Broker is the upstream connection used by a session. *amqp091.Connection
// satisfies it through amqpBroker.
type Broker interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// Channel is the subset of *amqp091.Channel the proxy forwards to.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Close() error
}

// Dialer opens a broker connection on virtualHost.
type Dialer func(cfg Config, virtualHost string) (Broker, error)

type amqpBroker struct {
	*amqp091.Connection
}

func (b amqpBroker) Channel() (Channel, error) {
	ch, err := b.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// buildDialURL injects credentials into a configured upstream URL.
func buildDialURL(rawURL, user, pass string, useTLS bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if user != "" {
		u.User = url.UserPassword(user, pass)
	}
	if useTLS && u.Scheme == "amqp" {
		u.Scheme = "amqps"
	}
	return u.String(), nil
}

// DialAMQP is the default Dialer.
func DialAMQP(cfg Config, virtualHost string) (Broker, error) {
	dialURL, err := buildDialURL(cfg.URL, cfg.User, cfg.Password, cfg.TLS)
	if err != nil {
		return nil, err
	}
	ac := amqp091.Config{
		Vhost:     virtualHost,
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp091.Table{
			"connection_name": "amqp-conn upstream",
		},
	}
	if cfg.TLS {
		ac.TLSClientConfig = cfg.TLSConfig
		if ac.TLSClientConfig == nil {
			ac.TLSClientConfig = &tls.Config{}
		}
	}
	conn, err := amqp091.DialConfig(dialURL, ac)
	if err != nil {
		return nil, err
	}
	return amqpBroker{Connection: conn}, nil
}

var errSessionClosed = errors.New("upstream: session closed")

// session holds the broker connection of one client connection.
type session struct {
	cfg    Config
	dial   Dialer
	ctx    amqp.ConnContext
	logger zerolog.Logger

	mu     sync.Mutex
	broker Broker
	closed bool
}

func (s *session) virtualHost() string {
	if s.cfg.VirtualHost != "" {
		return s.cfg.VirtualHost
	}
	if s.ctx.Namespace.Local == amqp.DefaultVirtualHost {
		return "/"
	}
	return s.ctx.Namespace.Local
}

// channel opens an upstream channel, dialing the broker on first use.
func (s *session) channel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	if s.broker == nil {
		vhost := s.virtualHost()
		b, err := s.dial(s.cfg, vhost)
		if err != nil {
			return nil, fmt.Errorf("upstream connection failed: %w", err)
		}
		s.logger.Info().Str("vhost", vhost).Msg("upstream connected")
		s.broker = b
		go s.monitor(b, b.NotifyClose(make(chan *amqp091.Error, 1)))
	}
	ch, err := s.broker.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// monitor closes the client connection when the broker connection dies
// underneath it.
func (s *session) monitor(b Broker, closeCh chan *amqp091.Error) {
	errInfo := <-closeCh
	s.mu.Lock()
	if s.broker == b {
		s.broker = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if closed || errInfo == nil {
		return
	}
	s.logger.Info().Err(errInfo).Msg("upstream connection closed")
	if s.ctx.CloseConnection == nil {
		return
	}
	if err := s.ctx.CloseConnection(amqp.ConnectionForced, fmt.Sprintf("upstream connection closed: %v", errInfo)); err != nil {
		s.logger.Error().Err(err).Msg("failed to send connection.close to client")
	}
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	b := s.broker
	s.broker = nil
	s.mu.Unlock()
	if b == nil {
		return
	}
	if err := b.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		s.logger.Error().Err(err).Msg("failed to close upstream connection")
	}
}
