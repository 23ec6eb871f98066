package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"southwinds.dev/lockbox"
)

const (
	DefaultHeartbeat      = 5 * time.Second
	DefaultHandlerTimeout = 10 * time.Second
)

// QuotaSource is implemented by backends that report rejected writes
type QuotaSource interface {
	OnQuotaExceeded(fn func(lockbox.QuotaEvent)) func()
}

// ServerConfig configures a Server
type ServerConfig struct {
	Conn    *nats.Conn
	Backend lockbox.Backend
	Store   string
	Prefix  string

	// Heartbeat is the interval between two ready announcements
	Heartbeat      time.Duration
	HandlerTimeout time.Duration
}

// Server exposes a backend, normally a *lockbox.Gateway, on NATS
type Server struct {
	conn           *nats.Conn
	backend        lockbox.Backend
	store          string
	prefix         string
	heartbeat      time.Duration
	handlerTimeout time.Duration

	mu      sync.Mutex
	subs    []*nats.Subscription
	removes []func()

	readyMu sync.Mutex
	ready   *lockbox.Ready

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewServer creates a server; Start begins serving
func NewServer(config ServerConfig) (*Server, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if config.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if err := validateToken("store", config.Store); err != nil {
		return nil, err
	}
	if err := validateToken("prefix", config.Prefix); err != nil {
		return nil, err
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = DefaultHeartbeat
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultHandlerTimeout
	}

	return &Server{
		conn:           config.Conn,
		backend:        config.Backend,
		store:          config.Store,
		prefix:         config.Prefix,
		heartbeat:      config.Heartbeat,
		handlerTimeout: config.HandlerTimeout,
		stop:           make(chan struct{}),
	}, nil
}

// Start subscribes to every request subject and starts publishing changes,
// quota events and ready heartbeats
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lockbox.ErrClosed
	}
	if s.started {
		return fmt.Errorf("server already started")
	}

	handlers := map[string]func(request) reply{
		OpGet:    s.handleGet,
		OpSet:    s.handleSet,
		OpRemove: s.handleRemove,
		OpClear:  s.handleClear,
		OpHas:    s.handleHas,
		OpKeys:   s.handleKeys,
	}
	for op, handle := range handlers {
		subject := Subject(s.prefix, s.store, op)
		sub, err := s.conn.Subscribe(subject, s.serve(op, handle))
		if err != nil {
			s.teardownLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		log.Debug().Str("subject", subject).Msg("subscribed to NATS")
	}

	unsubscribe, err := s.backend.Subscribe(s.publishChanges)
	if err != nil {
		s.teardownLocked()
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}
	s.removes = append(s.removes, unsubscribe)

	if qs, ok := s.backend.(QuotaSource); ok {
		s.removes = append(s.removes, qs.OnQuotaExceeded(s.publishQuota))
	}
	if rs, ok := s.backend.(lockbox.ReadySource); ok {
		s.removes = append(s.removes, rs.OnReady(s.publishReady))
	}

	s.wg.Add(1)
	go s.beat()

	s.started = true
	log.Info().Str("store", s.store).Str("prefix", s.prefix).Msg("storage gateway serving on NATS")
	return nil
}

// Close stops serving. The NATS connection stays open.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.teardownLocked()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) teardownLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("failed to unsubscribe")
		}
	}
	s.subs = nil
	for _, remove := range s.removes {
		remove()
	}
	s.removes = nil
}

func (s *Server) serve(op string, handle func(request) reply) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req request
		var res reply
		if err := decode(msg.Data, &req); err != nil {
			res = reply{Code: codeInvalid, Error: err.Error()}
		} else {
			res = handle(req)
		}

		data, err := encode(res)
		if err != nil {
			log.Error().Err(err).Str("op", op).Msg("failed to encode reply")
			return
		}
		if err = msg.Respond(data); err != nil {
			log.Warn().Err(err).Str("op", op).Msg("failed to send reply")
		}
	}
}

func (s *Server) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.handlerTimeout)
}

func (s *Server) handleGet(req request) reply {
	ctx, cancel := s.context()
	defer cancel()
	values, err := s.backend.Get(ctx, queryFromWire(req))
	if err != nil {
		return failure(err)
	}
	return reply{OK: true, Values: toWire(values)}
}

func (s *Server) handleSet(req request) reply {
	ctx, cancel := s.context()
	defer cancel()
	return mutation(s.backend.Set(ctx, fromWire(req.Items)))
}

func (s *Server) handleRemove(req request) reply {
	ctx, cancel := s.context()
	defer cancel()
	return mutation(s.backend.Remove(ctx, req.Keys...))
}

func (s *Server) handleClear(request) reply {
	ctx, cancel := s.context()
	defer cancel()
	return mutation(s.backend.Clear(ctx))
}

func (s *Server) handleHas(req request) reply {
	if len(req.Keys) != 1 {
		return reply{Code: codeInvalid, Error: "has needs exactly one key"}
	}
	ctx, cancel := s.context()
	defer cancel()
	ok, err := s.backend.Has(ctx, req.Keys[0])
	if err != nil {
		return failure(err)
	}
	return reply{OK: ok}
}

func (s *Server) handleKeys(request) reply {
	ctx, cancel := s.context()
	defer cancel()
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return failure(err)
	}
	return reply{OK: true, Keys: keys}
}

func (s *Server) publishChanges(changes lockbox.Changes) {
	s.publish(EvChanged, changesToWire(changes))
}

func (s *Server) publishQuota(event lockbox.QuotaEvent) {
	s.publish(EvQuota, wireQuota{
		Store:        event.Store,
		CurrentSize:  event.CurrentSize,
		ProposedSize: event.ProposedSize,
		Limit:        event.Limit,
	})
}

func (s *Server) publishReady(ready lockbox.Ready) {
	s.readyMu.Lock()
	s.ready = &ready
	s.readyMu.Unlock()
	s.publish(EvReady, wireReady{InstanceID: ready.InstanceID, StartedAt: ready.StartedAt})
}

func (s *Server) beat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.readyMu.Lock()
			ready := s.ready
			s.readyMu.Unlock()
			if ready != nil {
				s.publish(EvReady, wireReady{InstanceID: ready.InstanceID, StartedAt: ready.StartedAt})
			}
		}
	}
}

func (s *Server) publish(event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	subject := Subject(s.prefix, s.store, event)
	if err = s.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

func mutation(ok bool, err error) reply {
	if err != nil {
		return failure(err)
	}
	return reply{OK: ok}
}

func failure(err error) reply {
	return reply{Code: errorCode(err), Error: err.Error()}
}
