package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/keyvox-labs/keyvox-core/internal/auditstore"
	"github.com/keyvox-labs/keyvox-core/internal/bus"
	"github.com/keyvox-labs/keyvox-core/internal/embedding"
	"github.com/keyvox-labs/keyvox-core/internal/protocol"
)

const requestTimeout = 30 * time.Second

// Service exposes the verification workflow over NATS request/reply subjects.
type Service struct {
	bus      *bus.Client
	workflow *Workflow
	audit    *auditstore.Store
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

func NewService(parent context.Context, busClient *bus.Client, workflow *Workflow, audit *auditstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		workflow: workflow,
		audit:    audit,
		logger:   logger.With(slog.String("component", "verifier-service")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectRegister:        s.handleRegister,
		protocol.SubjectEnroll:          s.handleEnroll,
		protocol.SubjectCheckEnrollment: s.handleCheckEnrollment,
		protocol.SubjectVerify:          s.handleVerify,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	s.workflow.Close()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleRegister(msg *nats.Msg) {
	var req protocol.RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondStatus(msg, "", fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}
	requestID := ensureRequestID(req.RequestID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		err := s.workflow.Register(ctx, req.Username, Profile{FullName: req.FullName, Email: req.Email}, req.Password)
		s.recordAttempt(requestID, req.Username, "register", err, 0)
		s.respondStatus(msg, requestID, err)
	}()
}

func (s *Service) handleEnroll(msg *nats.Msg) {
	var req protocol.EnrollRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondStatus(msg, "", fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}
	requestID := ensureRequestID(req.RequestID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		err := s.workflow.EnrollVoice(ctx, req.Username, req.Audio)
		s.recordAttempt(requestID, req.Username, "enroll", err, 0)
		s.respondStatus(msg, requestID, err)
	}()
}

func (s *Service) handleCheckEnrollment(msg *nats.Msg) {
	var req protocol.CheckEnrollmentRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondEnrollment(msg, "", false, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}
	requestID := ensureRequestID(req.RequestID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		enrolled, err := s.workflow.CheckEnrollment(ctx, req.Username)
		if err != nil {
			s.logger.Warn("enrollment check failed",
				slog.String("username", req.Username), slog.String("error", err.Error()))
		}
		s.respondEnrollment(msg, requestID, enrolled, err)
	}()
}

func (s *Service) respondEnrollment(msg *nats.Msg, requestID string, enrolled bool, err error) {
	resp := protocol.CheckEnrollmentResponse{
		RequestID: requestID,
		Enrolled:  enrolled,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		resp.Enrolled = false
		resp.Code = codeForError(err)
		resp.Message = err.Error()
	}
	s.respond(msg, resp)
}

func (s *Service) handleVerify(msg *nats.Msg) {
	var req protocol.VerifyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondVerify(msg, "", VerifyResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}
	requestID := ensureRequestID(req.RequestID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		result, err := s.workflow.VerifyVoice(ctx, req.Username, req.Audio)
		s.recordAttempt(requestID, req.Username, "verify", err, result.Score)
		s.respondVerify(msg, requestID, result, err)
	}()
}

func (s *Service) respondStatus(msg *nats.Msg, requestID string, err error) {
	resp := protocol.StatusResponse{
		RequestID: requestID,
		OK:        err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		resp.Code = codeForError(err)
		resp.Message = err.Error()
	}
	s.respond(msg, resp)
}

func (s *Service) respondVerify(msg *nats.Msg, requestID string, result VerifyResult, err error) {
	resp := protocol.VerifyResponse{
		RequestID: requestID,
		Accepted:  result.Accepted,
		Score:     result.Score,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		// Every failure mode resolves to a reject, never an implicit accept.
		resp.Accepted = false
		resp.Code = codeForError(err)
		resp.Message = err.Error()
	}
	s.respond(msg, resp)
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish response", slog.String("error", err.Error()))
	}
}

// recordAttempt writes the attempt to the audit log; failures are logged and
// swallowed so auditing never changes a caller-visible outcome.
func (s *Service) recordAttempt(requestID, username, kind string, opErr error, score float64) {
	if s.audit == nil {
		return
	}
	outcome := "ok"
	if opErr != nil {
		outcome = codeForError(opErr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.audit.Record(ctx, auditstore.Attempt{
		RequestID: requestID,
		Username:  username,
		Kind:      kind,
		Outcome:   outcome,
		Score:     score,
	}); err != nil {
		s.logger.Warn("failed to record audit attempt", slog.String("error", err.Error()))
	}
}

func codeForError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return protocol.CodeInvalidInput
	case errors.Is(err, ErrConflict):
		return protocol.CodeConflict
	case errors.Is(err, ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrTooQuiet):
		return protocol.CodeTooQuiet
	case errors.Is(err, ErrUnprocessableAudio):
		return protocol.CodeUnprocessableAudio
	case errors.Is(err, embedding.ErrBackendUnavailable):
		return protocol.CodeBackendUnavailable
	case errors.Is(err, ErrStorage):
		return protocol.CodeStorageError
	default:
		return protocol.CodeInternal
	}
}

func ensureRequestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
