package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/inbox-router/internal/config"
	"github.com/JakeFAU/inbox-router/internal/progress"
	"github.com/JakeFAU/inbox-router/internal/tracker"
)

func TestFormatView(t *testing.T) {
	t.Parallel()

	line := formatView(tracker.View{Session: progress.Session{
		Status:         progress.PhaseSending,
		StepLabel:      "routing email 2 of 3",
		Percent:        55,
		TotalItems:     3,
		ProcessedCount: 1,
		Routing:        &progress.Routing{Department: "Billing", Recipients: []string{"jane.doe@co.com"}},
	}})
	require.Equal(t, "[sending    ]  55.0% 1/3  routing email 2 of 3  -> Billing (Jane Doe)", line)

	line = formatView(tracker.View{Session: progress.Session{
		Status:       progress.PhaseError,
		ErrorMessage: "connection lost",
	}})
	require.Equal(t, "[error      ]   0.0%  error: connection lost", line)
}

func TestRunWatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range []string{
			`{"type":"fetched","count":0,"message":"No unread emails"}`,
			`{"type":"complete","processed":0}`,
		} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
	defer srv.Close()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Stream.BaseURL = srv.URL
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"

	var out bytes.Buffer
	code := runWatch(&cfg, "ops@co.com", 3, &out)
	require.Zero(t, code)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	require.Contains(t, lines[0], "fetching")
	require.Contains(t, lines[len(lines)-1], "[complete   ] 100.0%")
}
