package main

import (
	"fmt"

	"claimbot/internal/claimsource"
	"claimbot/internal/domain"
	"claimbot/internal/events"
	"claimbot/internal/stats"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusColor(status domain.Status) func(a ...interface{}) string {
	switch status {
	case domain.StatusApproved:
		return green
	case domain.StatusReviewRequired:
		return yellow
	case domain.StatusRejected, domain.StatusError:
		return red
	default:
		return fmt.Sprint
	}
}

func formatProgress(ev events.Event) string {
	line := fmt.Sprintf("[%*d/%d %3d%%] %-12s %s",
		len(fmt.Sprint(ev.Total)), ev.Processed, ev.Total, ev.Percentage,
		ev.ItemID, statusColor(ev.Status)(ev.Status))
	if ev.Result == nil {
		return line
	}
	if ev.Result.Failed() {
		return line + fmt.Sprintf(" (%s after %d attempts)", ev.Result.ErrorKind, ev.Result.Attempts)
	}
	return line + fmt.Sprintf(" (%.2f)", ev.Result.Confidence)
}

func formatSummary(ev events.Event) string {
	if ev.Type == events.TypeCancelled {
		processed := 0
		if ev.ProcessedAtCancellation != nil {
			processed = *ev.ProcessedAtCancellation
		}
		return yellow(fmt.Sprintf("Cancelled (%s) after %d/%d claims: %d succeeded, %d failed",
			ev.Reason, processed, ev.Total, ev.Succeeded, ev.Failed))
	}
	summary := fmt.Sprintf("Completed %d claims: %d succeeded, %d failed", ev.Total, ev.Succeeded, ev.Failed)
	if ev.Failed > 0 {
		return red(summary)
	}
	return green(summary)
}

func formatStats(snap stats.Snapshot) string {
	health := string(snap.Health())
	switch snap.Health() {
	case stats.Healthy:
		health = green(health)
	case stats.Warning:
		health = yellow(health)
	default:
		health = red(health)
	}
	line := fmt.Sprintf("%s classifier %s: %d attempts, %d failures (%.1f%%), %d retries",
		bold("Health"), health, snap.Total, snap.Failures, snap.Rate*100, snap.Retries)
	if snap.MostCommonKind != "" {
		line += ", most common: " + snap.MostCommonKind
	}
	return line
}

func formatRejected(r claimsource.Rejected) string {
	return yellow(fmt.Sprintf("skipped line %d: %s", r.Line, r.Error))
}
