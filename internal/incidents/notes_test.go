package incidents

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotesRenderer_Render(t *testing.T) {
	r, err := NewNotesRenderer()
	require.NoError(t, err)

	tests := []struct {
		name     string
		notes    ResolutionNotes
		expected string
	}{
		{
			name: "without pending items",
			notes: ResolutionNotes{
				Reason:      "disk full",
				ActionTaken: "rotated logs",
				Resolver:    "Jane Smith",
				Severity:    domain.SeverityCritical,
				OpenFor:     90 * time.Minute,
			},
			expected: "Reason: disk full\nAction taken: rotated logs\nResolved by Jane Smith after 1h 30m (Critical)",
		},
		{
			name: "with pending items",
			notes: ResolutionNotes{
				Reason:       "bad deploy",
				ActionTaken:  "rolled back",
				PendingItems: "postmortem",
				Resolver:     "John Doe",
				Severity:     domain.SeverityAPIError,
				OpenFor:      45 * time.Second,
			},
			expected: "Reason: bad deploy\nAction taken: rolled back\nPending items: postmortem\nResolved by John Doe after 45s (Api Error)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.notes)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "0s"},
		{59 * time.Second, "59s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{26*time.Hour + 5*time.Minute, "26h 5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.d))
		})
	}
}

func TestNotesRenderer_RenderConcurrently(t *testing.T) {
	r, err := NewNotesRenderer()
	require.NoError(t, err)

	severities := []domain.Severity{domain.SeverityCritical, domain.SeverityError, domain.SeverityAPIError, domain.SeverityWarning}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				sev := severities[(g+i)%len(severities)]
				out, err := r.Render(ResolutionNotes{Reason: "r", ActionTaken: "a", Resolver: "x", Severity: sev, OpenFor: time.Minute})
				if err != nil {
					errs <- err
					return
				}
				if want := fmt.Sprintf("(%s)", titleCase(sev)); !strings.HasSuffix(out, want) {
					errs <- fmt.Errorf("notes %q do not end with %q", out, want)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
