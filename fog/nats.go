package fog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultNATSPrefix is the subject prefix used when none is configured.
const DefaultNATSPrefix = "fogmesh"

// NATSSource receives explorer fixes from NATS subjects
// <prefix>.<explorer>.fix and control states from <prefix>.<explorer>.state.
type NATSSource struct {
	conn   *nats.Conn
	prefix string
	subs   *subscriptionSet
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	control ControlHandler
	natsSub []*nats.Subscription
}

// NewNATSSource connects to the configured server. It returns nil, nil when
// no URL is configured.
func NewNATSSource(cfg NATSConfig, logger *slog.Logger) (*NATSSource, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("fogmesh"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	s := newNATSSource(cfg.SubjectPrefix, logger)
	s.conn = conn
	return s, nil
}

func newNATSSource(prefix string, logger *slog.Logger) *NATSSource {
	if prefix == "" {
		prefix = DefaultNATSPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSource{
		prefix: prefix,
		subs:   newSubscriptionSet(),
		logger: logger.With("component", "nats"),
		now:    time.Now,
	}
}

// Start subscribes to the fix and state wildcards. Each NATS subscription
// delivers on its own goroutine in publish order.
func (s *NATSSource) Start() error {
	fixSub, err := s.conn.Subscribe(s.prefix+".*.fix", s.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribing to fixes: %w", err)
	}
	stateSub, err := s.conn.Subscribe(s.prefix+".*.state", s.handleMsg)
	if err != nil {
		_ = fixSub.Unsubscribe()
		return fmt.Errorf("subscribing to states: %w", err)
	}

	s.mu.Lock()
	s.natsSub = append(s.natsSub, fixSub, stateSub)
	s.mu.Unlock()
	s.logger.Info("subscribed to NATS subjects", "prefix", s.prefix)
	return nil
}

// SetControlHandler registers the callback for state subjects.
func (s *NATSSource) SetControlHandler(h ControlHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control = h
}

// Subscribe implements FixSource.
func (s *NATSSource) Subscribe(explorerID string, queueSize int) (*Subscription, error) {
	return s.subs.add(explorerID, queueSize, nil)
}

// FixSubject returns the subject an explorer publishes fixes on.
func (s *NATSSource) FixSubject(explorerID string) string {
	return s.prefix + "." + explorerID + ".fix"
}

// parseSubject splits <prefix>.<explorer>.<kind>.
func (s *NATSSource) parseSubject(subject string) (explorerID, kind string, ok bool) {
	rest, found := strings.CutPrefix(subject, s.prefix+".")
	if !found {
		return "", "", false
	}
	explorerID, kind, found = strings.Cut(rest, ".")
	if !found || explorerID == "" || strings.Contains(kind, ".") {
		return "", "", false
	}
	return explorerID, kind, true
}

func (s *NATSSource) handleMsg(msg *nats.Msg) {
	explorerID, kind, ok := s.parseSubject(msg.Subject)
	if !ok {
		s.logger.Debug("ignoring message on unexpected subject", "subject", msg.Subject)
		return
	}

	switch kind {
	case "fix":
		fix, err := DecodeFixPayload(msg.Data, s.now())
		if err != nil {
			s.logger.Debug("ignoring fix message", "explorer", explorerID, "error", err)
			return
		}
		sub, ok := s.subs.get(explorerID)
		if !ok {
			s.logger.Debug("dropping fix for idle explorer", "explorer", explorerID)
			return
		}
		sub.Deliver(context.Background(), fix)

	case "state":
		state := DecodeStatePayload(msg.Data)
		switch state {
		case StateStart, StateStop, StateUnavailable:
		default:
			s.logger.Warn("unknown explorer state", "explorer", explorerID, "state", state)
			return
		}
		s.mu.RLock()
		h := s.control
		s.mu.RUnlock()
		if h != nil {
			go h(explorerID, state)
		}
	}
}

// Close unsubscribes and drains the connection.
func (s *NATSSource) Close() {
	s.mu.Lock()
	subs := s.natsSub
	s.natsSub = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.logger.Warn("draining NATS connection", "error", err)
		}
	}
}
