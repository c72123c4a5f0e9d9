package classify

import (
	"context"
	"errors"
	"time"

	"claimbot/internal/domain"
	"claimbot/internal/integrations/llm"
	"claimbot/internal/logging"
	"claimbot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Classifier is the remote verdict capability. Attempts is the number of
// remote calls made, also on failure.
type Classifier interface {
	Classify(ctx context.Context, claim domain.ClaimRecord) (domain.Verdict, int, error)
}

type Service struct {
	classifier Classifier
	thresholds domain.Thresholds
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(classifier Classifier, thresholds domain.Thresholds, opts ...Option) *Service {
	s := &Service{
		classifier: classifier,
		thresholds: thresholds,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Thresholds() domain.Thresholds { return s.thresholds }

// ClassifyInput parses raw input and classifies it. The only error it
// returns is a *domain.ParseError, raised before any remote call.
func (s *Service) ClassifyInput(ctx context.Context, in domain.ClaimInput) (domain.Result, error) {
	claim, err := domain.ParseClaim(in)
	if err != nil {
		return domain.Result{}, err
	}
	return s.ClassifyClaim(ctx, claim), nil
}

// ClassifyClaim never fails: remote failures become a StatusError result.
func (s *Service) ClassifyClaim(ctx context.Context, claim domain.ClaimRecord) domain.Result {
	started := s.now()
	res := domain.Result{
		AnalysisID: s.newID(),
		ClaimID:    claim.ID,
		StartedAt:  started,
	}

	verdict, attempts, err := s.classifier.Classify(ctx, claim)
	res.Attempts = attempts
	if err != nil {
		res.Status = domain.StatusError
		res.Rationale = "classification unavailable: " + err.Error()
		res.ErrorKind = string(llm.KindUnexpected)
		var ue *llm.UnavailableError
		if errors.As(err, &ue) {
			res.ErrorKind = string(ue.Kind)
		}
	} else {
		res.Verdict = verdict.Label
		res.Confidence = verdict.Confidence
		res.Rationale = verdict.Rationale
		res.Model = verdict.Model
		res.RemoteTime = verdict.Duration
		res.Status = s.thresholds.Decide(verdict.Label, verdict.Confidence)
	}

	res.FinishedAt = s.now()
	res.ProcessingTime = res.FinishedAt.Sub(started)
	res.ProcessingMillis = res.ProcessingTime.Milliseconds()
	metrics.Classifications.WithLabelValues(string(res.Status)).Inc()

	s.logger.Info("claim classified",
		zap.String("analysis_id", res.AnalysisID),
		zap.String("claim_id", claim.ID),
		logging.Subject(claim.Subject),
		zap.String("status", string(res.Status)),
		zap.Float64("confidence", res.Confidence),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.ProcessingTime),
	)
	return res
}
