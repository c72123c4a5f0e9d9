package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"claimbot/internal/batch"
	"claimbot/internal/claimsource"
	"claimbot/internal/domain"
	"claimbot/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 1 << 20
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is one client message. Action selects which other fields apply.
type wsRequest struct {
	Action    string              `json:"action"`
	RequestID string              `json:"request_id,omitempty"`
	Input     domain.ClaimInput   `json:"input"`
	Claims    []domain.ClaimInput `json:"claims,omitempty"`
	Source    string              `json:"source,omitempty"`
	Filename  string              `json:"filename,omitempty"` // older dashboards' name for source
	JobID     string              `json:"job_id,omitempty"`
}

type wsResponse struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	Result    *domain.Result         `json:"result,omitempty"`
	Event     *events.Event          `json:"event,omitempty"`
	Snapshot  *domain.JobSnapshot    `json:"snapshot,omitempty"`
	Total     *int                   `json:"total,omitempty"`
	Rejected  []claimsource.Rejected `json:"rejected,omitempty"`
	Outcome   batch.CancelOutcome    `json:"outcome,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
}

// wsConn serialises writes and tracks the job subscriptions of one client.
type wsConn struct {
	s      *Server
	conn   *websocket.Conn
	ctx    context.Context
	logger *zap.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*events.Subscription
	wg   sync.WaitGroup
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	wc := &wsConn{
		s:      s,
		conn:   conn,
		ctx:    ctx,
		logger: s.logger.With(zap.String("remote", c.Request.RemoteAddr)),
		subs:   make(map[string]*events.Subscription),
	}
	wc.logger.Info("websocket connected")
	defer func() {
		cancel()
		wc.unsubscribeAll()
		wc.wg.Wait()
		conn.Close()
		wc.logger.Info("websocket closed")
	}()
	wc.readLoop()
}

func (wc *wsConn) readLoop() {
	wc.conn.SetReadLimit(wsReadLimit)
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wc.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			wc.send(wsResponse{Type: "error", Error: "invalid json: " + err.Error(), ErrorType: "invalid_request"})
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}
		if req.Source == "" {
			req.Source = req.Filename
		}
		wc.dispatch(req)
	}
}

func (wc *wsConn) dispatch(req wsRequest) {
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "classify", "manual", "":
		// Classification may retry for a while; keep reading meanwhile.
		wc.wg.Add(1)
		go func() {
			defer wc.wg.Done()
			wc.classify(req)
		}()
	case "process_file", "start_batch":
		wc.startBatch(req)
	case "subscribe":
		wc.subscribeExisting(req)
	case "cancel":
		wc.cancel(req)
	case "status":
		wc.status(req)
	default:
		wc.send(wsResponse{
			Type:      "error",
			RequestID: req.RequestID,
			Error:     fmt.Sprintf("unknown action %q", req.Action),
			ErrorType: "invalid_request",
		})
	}
}

func (wc *wsConn) classify(req wsRequest) {
	res, err := wc.s.classifier.ClassifyInput(wc.ctx, req.Input)
	if err != nil {
		errorType := "internal"
		var pe *domain.ParseError
		if errors.As(err, &pe) {
			errorType = "parse_error"
		}
		wc.send(wsResponse{Type: "error", RequestID: req.RequestID, Error: err.Error(), ErrorType: errorType})
		return
	}
	wc.send(wsResponse{Type: "result", RequestID: req.RequestID, Result: &res})
}

// startBatch subscribes before the job starts so the started event is
// never missed.
func (wc *wsConn) startBatch(req wsRequest) {
	loaded, source, err := wc.s.resolveBatch(wc.ctx, batchRequest{Claims: req.Claims, Source: req.Source})
	if err != nil {
		wc.sendError(req, "invalid_source", err)
		return
	}
	jobID := uuid.New().String()
	sub := wc.subscribe(jobID)
	if _, err := wc.s.batches.StartBatch(loaded.Claims, batch.WithSource(source), batch.WithJobID(jobID)); err != nil {
		wc.drop(jobID)
		wc.sendError(req, "batch_error", err)
		return
	}
	total := len(loaded.Claims)
	wc.send(wsResponse{
		Type:      "batch_accepted",
		RequestID: req.RequestID,
		JobID:     jobID,
		Total:     &total,
		Rejected:  loaded.Rejected,
	})
	wc.forward(jobID, sub)
}

// subscribeExisting attaches to a job started elsewhere. A job that is
// already terminal answers with its final snapshot instead.
func (wc *wsConn) subscribeExisting(req wsRequest) {
	snap, err := wc.s.batches.Status(req.JobID)
	if err != nil {
		wc.sendError(req, "not_found", err)
		return
	}
	if snap.State.Terminal() {
		wc.send(wsResponse{Type: "snapshot", RequestID: req.RequestID, JobID: req.JobID, Snapshot: &snap})
		return
	}
	wc.mu.Lock()
	_, already := wc.subs[req.JobID]
	wc.mu.Unlock()
	if already {
		wc.send(wsResponse{Type: "subscribed", RequestID: req.RequestID, JobID: req.JobID})
		return
	}
	sub := wc.subscribe(req.JobID)
	wc.send(wsResponse{Type: "subscribed", RequestID: req.RequestID, JobID: req.JobID, Snapshot: &snap})
	// The job may have finished between Status and Subscribe.
	if now, err := wc.s.batches.Status(req.JobID); err == nil && now.State.Terminal() {
		wc.drop(req.JobID)
		wc.send(wsResponse{Type: "snapshot", RequestID: req.RequestID, JobID: req.JobID, Snapshot: &now})
		return
	}
	wc.forward(req.JobID, sub)
}

func (wc *wsConn) cancel(req wsRequest) {
	outcome, err := wc.s.batches.Cancel(req.JobID)
	if err != nil {
		wc.sendError(req, "not_found", err)
		return
	}
	wc.send(wsResponse{Type: "cancel", RequestID: req.RequestID, JobID: req.JobID, Outcome: outcome})
}

func (wc *wsConn) status(req wsRequest) {
	snap, err := wc.s.batches.Status(req.JobID)
	if err != nil {
		wc.sendError(req, "not_found", err)
		return
	}
	wc.send(wsResponse{Type: "snapshot", RequestID: req.RequestID, JobID: req.JobID, Snapshot: &snap})
}

func (wc *wsConn) subscribe(jobID string) *events.Subscription {
	opts := []events.SubscribeOption{events.ForJob(jobID)}
	if wc.s.subBuffer > 0 {
		opts = append(opts, events.WithBuffer(wc.s.subBuffer))
	}
	sub := wc.s.broker.Subscribe(opts...)
	wc.mu.Lock()
	wc.subs[jobID] = sub
	wc.mu.Unlock()
	return sub
}

func (wc *wsConn) drop(jobID string) {
	wc.mu.Lock()
	sub := wc.subs[jobID]
	delete(wc.subs, jobID)
	wc.mu.Unlock()
	wc.s.broker.Unsubscribe(sub)
}

func (wc *wsConn) unsubscribeAll() {
	wc.mu.Lock()
	subs := wc.subs
	wc.subs = make(map[string]*events.Subscription)
	wc.mu.Unlock()
	for _, sub := range subs {
		wc.s.broker.Unsubscribe(sub)
	}
}

// forward relays the job's events in order until its terminal event.
func (wc *wsConn) forward(jobID string, sub *events.Subscription) {
	wc.wg.Add(1)
	go func() {
		defer wc.wg.Done()
		for ev := range sub.Events() {
			ev := ev
			wc.send(wsResponse{Type: "event", JobID: jobID, Event: &ev})
			if ev.Type.Terminal() {
				wc.drop(jobID)
				return
			}
		}
	}()
}

func (wc *wsConn) sendError(req wsRequest, errorType string, err error) {
	wc.send(wsResponse{Type: "error", RequestID: req.RequestID, JobID: req.JobID, Error: err.Error(), ErrorType: errorType})
}

func (wc *wsConn) send(resp wsResponse) {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := wc.conn.WriteJSON(resp); err != nil {
		wc.logger.Debug("websocket write failed", zap.String("type", resp.Type), zap.Error(err))
	}
}
