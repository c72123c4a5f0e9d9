package slack

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"claimbot/internal/events"
	"claimbot/internal/stats"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

const postTimeout = 15 * time.Second

// poster is the part of *slack.Client the notifier needs.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts batch outcomes and error-stat rollovers to one channel.
type Notifier struct {
	api       poster
	channelID string
	logger    *zap.Logger
}

func New(token, channelID string, logger *zap.Logger, opts ...slack.Option) *Notifier {
	return NewNotifier(slack.New(token, opts...), channelID, logger)
}

func NewNotifier(api poster, channelID string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{api: api, channelID: channelID, logger: logger}
}

// Run posts a summary for every terminal event on sub until ctx ends or the
// subscription is closed.
func (n *Notifier) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !ev.Type.Terminal() {
				continue
			}
			if err := n.NotifyBatch(ctx, ev); err != nil {
				n.logger.Warn("slack batch summary failed", zap.String("job_id", ev.JobID), zap.Error(err))
			}
		}
	}
}

func (n *Notifier) NotifyBatch(ctx context.Context, ev events.Event) error {
	return n.post(ctx, BatchSummaryBlocks(ev), FormatBatchSummary(ev))
}

// NotifyStatsReset reports the epoch that was just closed.
func (n *Notifier) NotifyStatsReset(ctx context.Context, snap stats.Snapshot) error {
	text := FormatStatsSummary(snap)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Classifier error stats reset", false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	return n.post(ctx, blocks, text)
}

func (n *Notifier) post(ctx context.Context, blocks []slack.Block, fallback string) error {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	_, _, err := n.api.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("post to %s: %w", n.channelID, err)
	}
	return nil
}

func FormatBatchSummary(ev events.Event) string {
	switch ev.Type {
	case events.TypeCancelled:
		processed := 0
		if ev.ProcessedAtCancellation != nil {
			processed = *ev.ProcessedAtCancellation
		}
		return fmt.Sprintf("Batch %s cancelled (%s) after %d/%d claims: %d succeeded, %d failed",
			ev.JobID, ev.Reason, processed, ev.Total, ev.Succeeded, ev.Failed)
	default:
		return fmt.Sprintf("Batch %s completed: %d claims, %d succeeded, %d failed",
			ev.JobID, ev.Total, ev.Succeeded, ev.Failed)
	}
}

func BatchSummaryBlocks(ev events.Event) []slack.Block {
	title := "Batch completed"
	if ev.Type == events.TypeCancelled {
		title = "Batch cancelled"
	}
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Job*\n`%s`", ev.JobID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Total*\n%d", ev.Total), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Succeeded*\n%d", ev.Succeeded), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Failed*\n%d", ev.Failed), false, false),
	}
	if ev.Type == events.TypeCancelled {
		if ev.ProcessedAtCancellation != nil {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*Processed*\n%d", *ev.ProcessedAtCancellation), false, false))
		}
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Reason*\n%s", ev.Reason), false, false))
	}
	return []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
		slack.NewSectionBlock(nil, fields, nil),
	}
}

func FormatStatsSummary(snap stats.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*: %d failures in %d attempts (%.1f%%), %d retries since %s",
		snap.Health(), snap.Failures, snap.Total, snap.Rate*100, snap.Retries,
		snap.Since.Format("Jan 2 15:04"))
	if len(snap.ByKind) > 0 {
		kinds := make([]string, 0, len(snap.ByKind))
		for kind := range snap.ByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&b, "\n• %s: %d", kind, snap.ByKind[kind])
		}
	}
	return b.String()
}
