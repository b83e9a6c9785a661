package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/middleware"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/realtime"
	"github.com/stemsi/exstem-candidate/internal/response"
	"github.com/stemsi/exstem-candidate/internal/service"
)

const publishTimeout = 5 * time.Second

var errEventNotAllowed = errors.New("event not allowed")

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler relays realtime events between the candidates and observers of one exam.
type WSHandler struct {
	examService    *service.ExamService
	relayService   *service.RelayService
	monitorService *service.MonitorService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	examService *service.ExamService,
	relayService *service.RelayService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		examService:    examService,
		relayService:   relayService,
		monitorService: monitorService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamRelay godoc
// WS /ws/v1/exams/:exam_id
// Candidates publish presence and stream readiness to observers; both sides exchange
// webrtc_signal frames addressed by targetId. Control events come from the observer API.
func (h *WSHandler) ExamRelay(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, ok := examIDParam(c)
	if !ok {
		return
	}
	if _, err := h.examService.Get(c.Request.Context(), examID); err != nil {
		failExam(c, err)
		return
	}

	// The connection outlives the handler's request context once hijacked.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	// Subscribed before the upgrade so a client that sees the handshake complete cannot miss
	// anything published afterwards.
	pubsub, err := h.relayService.Subscribe(ctx, examID)
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID).Msg("Relay subscribe failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		pubsub.Close()
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	realtime.KeepReadDeadline(conn)
	stopPing := make(chan struct{})
	defer close(stopPing)
	go realtime.KeepAlive(conn, stopPing)

	wsLog := h.log.With().
		Str("exam_id", examID).
		Str("subject", claims.Subject).
		Str("role", string(claims.Role)).
		Logger()
	wsLog.Info().Msg("Relay client connected")

	var writeMu sync.Mutex
	write := func(env realtime.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return realtime.WriteTyped(conn, env)
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for m := range pubsub.Channel() {
			msg, err := service.Decode(m.Payload)
			if err != nil {
				wsLog.Warn().Err(err).Msg("Malformed relay message")
				continue
			}
			if !msg.DeliverTo(claims.Role, claims.Subject) {
				continue
			}
			if err := write(msg.Envelope); err != nil {
				wsLog.Debug().Err(err).Msg("Forward failed")
				return
			}
		}
	}()

	joined := false
	for {
		var env realtime.Envelope
		if err := realtime.ReadJSON(conn, &env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		msg, err := h.route(claims, examID, env)
		if err != nil {
			wsLog.Debug().Err(err).Str("event", string(env.Event)).Msg("Frame rejected")
			if werr := writeError(write, err.Error()); werr != nil {
				break
			}
			continue
		}

		switch env.Event {
		case realtime.EventJoinExam:
			joined = true
		case realtime.EventLeaveExam:
			joined = false
		}

		if err := h.publish(ctx, examID, msg); err != nil {
			wsLog.Warn().Err(err).Str("event", string(env.Event)).Msg("Relay publish failed")
			if werr := writeError(write, "relay unavailable"); werr != nil {
				break
			}
			continue
		}
		if kind, ok := activityOf(msg.Envelope); ok {
			h.monitorService.Record(ctx, examID, claims.Subject, claims.Name, kind)
		}
	}

	// A candidate that vanished without leaving still has to drop off the observers' roster.
	if claims.Role == service.RoleCandidate && joined {
		env, _ := realtime.NewEnvelope(realtime.EventLeaveExam, realtime.LeaveExam{ExamID: examID, StudentID: claims.Subject})
		msg := service.RelayMessage{Audience: service.AudienceObservers, SenderID: claims.Subject, Envelope: env}
		if err := h.publish(ctx, examID, msg); err != nil {
			wsLog.Warn().Err(err).Msg("Failed to publish implicit leave")
		}
		h.monitorService.Record(ctx, examID, claims.Subject, claims.Name, model.ActivityLeft)
	}

	pubsub.Close()
	conn.Close()
	<-forwarded
	wsLog.Info().Msg("Relay client disconnected")
}

func (h *WSHandler) publish(ctx context.Context, examID string, msg service.RelayMessage) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return h.relayService.Publish(ctx, examID, msg)
}

// activityOf maps a relayed candidate frame to the presence change observers tally.
func activityOf(env realtime.Envelope) (model.ActivityKind, bool) {
	switch env.Event {
	case realtime.EventJoinExam:
		return model.ActivityJoined, true
	case realtime.EventLeaveExam:
		return model.ActivityLeft, true
	case realtime.EventStudentActivity:
		act, err := realtime.Decode[realtime.StudentActivity](env.Data)
		if err != nil {
			return "", false
		}
		switch act.EventType {
		case realtime.ActivityFocusLost:
			return model.ActivityFocusLost, true
		case realtime.ActivityFocusGained:
			return model.ActivityFocusGained, true
		case realtime.ActivityLeftExam:
			return model.ActivityLeftExam, true
		}
	}
	return "", false
}

func writeError(write func(realtime.Envelope) error, text string) error {
	env, err := realtime.NewEnvelope(realtime.EventError, realtime.ErrorMessage{Error: text})
	if err != nil {
		return err
	}
	return write(env)
}

// route checks that the sender's role may emit the event and stamps the sender identity into
// the payload, so nobody can speak for another candidate.
func (h *WSHandler) route(claims *service.Claims, examID string, env realtime.Envelope) (service.RelayMessage, error) {
	msg := service.RelayMessage{SenderID: claims.Subject, Audience: service.AudienceObservers}

	var payload any
	switch {
	case env.Event == realtime.EventWebRTCSignal:
		sig, err := realtime.Decode[realtime.WebRTCSignal](env.Data)
		if err != nil {
			return msg, fmt.Errorf("malformed %s: %w", env.Event, err)
		}
		if sig.TargetID == "" {
			return msg, fmt.Errorf("%s requires targetId", env.Event)
		}
		sig.ExamID = examID
		sig.FromID = claims.Subject
		msg.Audience = service.AudiencePeer
		msg.TargetID = sig.TargetID
		payload = sig

	case claims.Role != service.RoleCandidate:
		return msg, fmt.Errorf("%w: %s", errEventNotAllowed, env.Event)

	case env.Event == realtime.EventJoinExam:
		join, err := realtime.Decode[realtime.JoinExam](env.Data)
		if err != nil {
			return msg, fmt.Errorf("malformed %s: %w", env.Event, err)
		}
		join.ExamID = examID
		join.StudentID = claims.Subject
		if join.StudentName == "" {
			join.StudentName = claims.Name
		}
		if join.Picture == "" {
			join.Picture = claims.Picture
		}
		payload = join

	case env.Event == realtime.EventLeaveExam:
		payload = realtime.LeaveExam{ExamID: examID, StudentID: claims.Subject}

	case env.Event == realtime.EventStudentActivity:
		act, err := realtime.Decode[realtime.StudentActivity](env.Data)
		if err != nil {
			return msg, fmt.Errorf("malformed %s: %w", env.Event, err)
		}
		act.ExamID = examID
		act.StudentID = claims.Subject
		payload = act

	case env.Event == realtime.EventWebRTCReady:
		payload = realtime.WebRTCReady{ExamID: examID, StudentID: claims.Subject}

	default:
		return msg, fmt.Errorf("%w: %s", errEventNotAllowed, env.Event)
	}

	out, err := realtime.NewEnvelope(env.Event, payload)
	if err != nil {
		return msg, err
	}
	msg.Envelope = out
	return msg, nil
}
