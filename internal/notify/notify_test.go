// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/netSkope/batch-export/internal/export"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func failure() Failure {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return Failure{
		ExportID:    "e1",
		ExportName:  "events",
		TeamID:      7,
		Destination: "s3",
		Run: export.Run{
			ID:                "r1",
			Status:            export.RunFailed,
			LatestError:       "AccessDenied: no access",
			DataIntervalStart: start,
			DataIntervalEnd:   start.Add(time.Hour),
		},
	}
}

func TestSlackNotifier(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "#exports", srv.Client())
	require.NoError(t, n.NotifyFailure(context.Background(), failure()))

	assert.Equal(t, "#exports", got.Channel)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "AccessDenied: no access", got.Attachments[0].Text)
	assert.Len(t, got.Attachments[0].Fields, 5)
}

func TestSlackNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewSlackNotifier(srv.URL, "", srv.Client()).NotifyFailure(context.Background(), failure())
	assert.ErrorContains(t, err, "failed to post slack notification")
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) NotifyFailure(context.Context, Failure) error {
	f.calls++
	return errors.New("unreachable")
}

func TestMultiNotifiesAll(t *testing.T) {
	a, b := &failingNotifier{}, &failingNotifier{}
	m := Multi{NewLogNotifier(zaptest.NewLogger(t)), a, b}
	assert.EqualError(t, m.NotifyFailure(context.Background(), failure()), "unreachable")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
