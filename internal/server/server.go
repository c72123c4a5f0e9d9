package server

import (
	"context"
	"net/http"
	"time"

	"claimbot/internal/batch"
	"claimbot/internal/claimsource"
	"claimbot/internal/domain"
	"claimbot/internal/events"
	"claimbot/internal/metrics"
	"claimbot/internal/stats"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHealthTimeout = 10 * time.Second
	maxUploadBytes       = 32 << 20
)

type Classifier interface {
	ClassifyInput(ctx context.Context, in domain.ClaimInput) (domain.Result, error)
}

type Batches interface {
	StartBatch(claims []domain.ClaimRecord, opts ...batch.StartOption) (string, error)
	Cancel(jobID string) (batch.CancelOutcome, error)
	CancelAll() []string
	Status(jobID string) (domain.JobSnapshot, error)
	Running() []domain.JobSnapshot
}

type Stats interface {
	Snapshot() stats.Snapshot
	Reset() stats.Snapshot
}

type Broker interface {
	Subscribe(opts ...events.SubscribeOption) *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

type Sources interface {
	Load(ctx context.Context, ref string) (claimsource.Loaded, error)
}

// Pinger reports whether the remote classifier is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Classifier Classifier
	Batches    Batches
	Stats      Stats
	Broker     Broker
	Sources    Sources
	Pinger     Pinger
	Logger     *zap.Logger

	AllowedOrigins   []string
	SubscriberBuffer int
	HealthTimeout    time.Duration
}

type Server struct {
	classifier    Classifier
	batches       Batches
	stats         Stats
	broker        Broker
	sources       Sources
	pinger        Pinger
	logger        *zap.Logger
	origins       []string
	subBuffer     int
	healthTimeout time.Duration

	// baseCtx bounds work started from WebSocket connections; Shutdown
	// cancels it.
	baseCtx context.Context
	stop    context.CancelFunc
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	timeout := d.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		classifier:    d.Classifier,
		batches:       d.Batches,
		stats:         d.Stats,
		broker:        d.Broker,
		sources:       d.Sources,
		pinger:        d.Pinger,
		logger:        logger,
		origins:       origins,
		subBuffer:     d.SubscriberBuffer,
		healthTimeout: timeout,
		baseCtx:       ctx,
		stop:          stop,
	}
}

// Handler builds the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.MaxMultipartMemory = maxUploadBytes

	r.Use(cors.New(s.corsConfig()))

	r.POST("/analise-semantica", s.classify)
	r.POST("/stop-file-processing", s.stopAll)
	r.GET("/error-stats", s.errorStats)
	r.POST("/reset-error-stats", s.resetErrorStats)
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/ws/semantica-consignacao", s.serveWS)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/classify", s.classify)
		apiV1.POST("/batches", s.startBatch)
		apiV1.POST("/batches/upload", s.uploadBatch)
		apiV1.GET("/batches", s.listBatches)
		apiV1.GET("/batches/:id", s.batchStatus)
		apiV1.POST("/batches/:id/cancel", s.cancelBatch)
	}
	return r
}

// Shutdown cancels work started by WebSocket clients.
func (s *Server) Shutdown() {
	s.stop()
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range s.origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = s.origins
	cfg.AllowCredentials = true
	return cfg
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(started)),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error("http request", fields...)
		case c.FullPath() == "/health" || c.FullPath() == "/metrics":
			s.logger.Debug("http request", fields...)
		default:
			s.logger.Info("http request", fields...)
		}
	}
}

type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

func writeError(c *gin.Context, code int, errorType string, err error) {
	c.AbortWithStatusJSON(code, errorBody{Error: err.Error(), ErrorType: errorType})
}
