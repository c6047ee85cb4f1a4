// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package notify tells operators about failed export runs.
package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/netSkope/batch-export/internal/export"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Failure describes a run that ended in a failed state.
type Failure struct {
	ExportID    string
	ExportName  string
	TeamID      int64
	Destination string
	Run         export.Run
}

// Notifier delivers failure notifications.
type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure) error
}

// LogNotifier writes failures to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyFailure(_ context.Context, f Failure) error {
	n.logger.Error("Export run failed",
		zap.String("export_id", f.ExportID),
		zap.String("run_id", f.Run.ID),
		zap.String("status", string(f.Run.Status)),
		zap.String("destination", f.Destination),
		zap.Time("data_interval_start", f.Run.DataIntervalStart),
		zap.Time("data_interval_end", f.Run.DataIntervalEnd),
		zap.String("error", f.Run.LatestError))
	return nil
}

// SlackNotifier posts failures to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

func NewSlackNotifier(webhookURL, channel string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackNotifier{webhookURL: webhookURL, channel: channel, client: client}
}

func (n *SlackNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	title := fmt.Sprintf("Batch export %q run %s", f.ExportName, f.Run.Status)
	fields := []slack.AttachmentField{
		{Title: "Export", Value: f.ExportID, Short: true},
		{Title: "Team", Value: fmt.Sprint(f.TeamID), Short: true},
		{Title: "Destination", Value: f.Destination, Short: true},
		{Title: "Run", Value: f.Run.ID, Short: true},
		{Title: "Interval", Value: fmt.Sprintf("%s - %s",
			f.Run.DataIntervalStart.Format("2006-01-02T15:04:05Z07:00"),
			f.Run.DataIntervalEnd.Format("2006-01-02T15:04:05Z07:00"))},
	}
	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Text:    title,
		Attachments: []slack.Attachment{{
			Color:  "danger",
			Title:  title,
			Text:   f.Run.LatestError,
			Fields: fields,
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("failed to post slack notification: %w", err)
	}
	return nil
}

// Multi fans a failure out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) NotifyFailure(ctx context.Context, f Failure) error {
	var first error
	for _, n := range m {
		if err := n.NotifyFailure(ctx, f); err != nil && first == nil {
			first = err
		}
	}
	return first
}
