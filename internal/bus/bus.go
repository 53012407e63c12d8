// Package bus fans live events out to authenticated subscribers. Delivery is
// best-effort per subscriber: a failed send removes that subscriber and the
// broadcast continues to the rest.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Event is one broadcast message.
type Event struct {
	Type      string    `json:"event_type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types emitted by the core.
const (
	EventHTTPFlow           = "http_flow"
	EventFinding            = "finding"
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventTLSHandshakeFailed = "tls_handshake_failed"
)

// Subscriber is a live message sink. Send must not block indefinitely; a
// subscriber that cannot keep up should fail the send and accept removal.
type Subscriber interface {
	Send(ev Event) error
	Close(reason string) error
}

// Bus maintains the subscriber set.
type Bus struct {
	secret []byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// New builds a bus verifying subscription tokens against secret.
func New(secret []byte, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		secret: secret,
		logger: logger,
		subs:   make(map[Subscriber]struct{}),
	}
}

// IssueToken mints a subscription token for an authenticated operator.
func (b *Bus) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		Issuer:    "trafficd",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("sign subscription token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a subscription token and returns its subject.
func (b *Bus) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return b.secret, nil
		})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Subject, nil
}

// Subscribe authenticates the token and admits the subscriber. On a bad
// token the handle is closed with a policy-violation reason.
func (b *Bus) Subscribe(sub Subscriber, token string) error {
	subject, err := b.VerifyToken(token)
	if err != nil {
		_ = sub.Close("policy violation: authentication failed")
		return fmt.Errorf("subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()

	b.logger.Info("subscriber joined",
		zap.String("subject", subject), zap.Int("subscribers", n))
	return nil
}

// Unsubscribe removes the subscriber without closing it.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	n := len(b.subs)
	b.mu.Unlock()
	b.logger.Debug("subscriber left", zap.Int("subscribers", n))
}

// Broadcast delivers the event to every subscriber. Failed subscribers are
// collected during iteration and removed afterwards, so removal never
// mutates the set mid-iteration.
func (b *Bus) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var failed []Subscriber
	for sub := range b.subs {
		if err := sub.Send(ev); err != nil {
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		delete(b.subs, sub)
		_ = sub.Close("send failed")
	}
	if len(failed) > 0 {
		b.logger.Debug("removed failed subscribers",
			zap.Int("removed", len(failed)), zap.Int("remaining", len(b.subs)))
	}
}

// Publish wraps Broadcast for producers that hand over a type and payload.
func (b *Bus) Publish(eventType string, data any) {
	b.Broadcast(Event{Type: eventType, Data: data})
}

// SubscriberCount returns the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
