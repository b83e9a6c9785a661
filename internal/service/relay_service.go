package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/config"
	"github.com/stemsi/exstem-candidate/internal/realtime"
)

// Audience selects which relay clients of an exam receive a message.
type Audience string

const (
	AudienceCandidates Audience = "candidates"
	AudienceObservers  Audience = "observers"
	// AudiencePeer delivers to the single client whose subject equals TargetID.
	AudiencePeer Audience = "peer"
)

// RelayMessage is what travels over the exam's Redis channel.
type RelayMessage struct {
	Audience Audience          `json:"audience"`
	TargetID string            `json:"target_id,omitempty"`
	SenderID string            `json:"sender_id,omitempty"`
	Envelope realtime.Envelope `json:"envelope"`
}

// DeliverTo reports whether a client with role and subject should receive m. Nobody gets
// their own messages back.
func (m RelayMessage) DeliverTo(role Role, subject string) bool {
	if m.SenderID != "" && m.SenderID == subject {
		return false
	}
	switch m.Audience {
	case AudienceCandidates:
		return role == RoleCandidate
	case AudienceObservers:
		return role == RoleObserver
	case AudiencePeer:
		return m.TargetID == subject
	}
	return false
}

// RelayService fans realtime events out to every relay connection of an exam through Redis
// Pub/Sub, so any number of server instances can share one exam room.
type RelayService struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRelayService creates a new RelayService.
func NewRelayService(rdb *redis.Client, log zerolog.Logger) *RelayService {
	return &RelayService{rdb: rdb, log: log.With().Str("component", "relay").Logger()}
}

// Publish sends msg to the exam's channel.
func (s *RelayService) Publish(ctx context.Context, examID string, msg RelayMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamRelayChannel(examID), payload).Err(); err != nil {
		return fmt.Errorf("publish relay message: %w", err)
	}
	return nil
}

// Broadcast sends a control event to every candidate in the exam.
func (s *RelayService) Broadcast(ctx context.Context, examID string, event realtime.Event) error {
	env, err := realtime.NewEnvelope(event, realtime.Control{ExamID: examID})
	if err != nil {
		return err
	}
	s.log.Info().Str("exam_id", examID).Str("event", string(event)).Msg("Broadcasting control event")
	return s.Publish(ctx, examID, RelayMessage{Audience: AudienceCandidates, Envelope: env})
}

// Subscribe joins the exam's channel and waits for Redis to confirm, so nothing published
// after it returns is missed. The caller closes the returned PubSub.
func (s *RelayService) Subscribe(ctx context.Context, examID string) (*redis.PubSub, error) {
	pubsub := s.rdb.Subscribe(ctx, config.CacheKey.ExamRelayChannel(examID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe relay: %w", err)
	}
	return pubsub, nil
}

// Decode parses a relay payload received from Redis.
func Decode(payload string) (RelayMessage, error) {
	var msg RelayMessage
	err := json.Unmarshal([]byte(payload), &msg)
	return msg, err
}
