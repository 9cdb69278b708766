//go:build integration

package integration

import (
	"net/http"
	"testing"

	"github.com/bissquit/jobwatch/internal/ingest"
	"github.com/bissquit/jobwatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getStatus(t *testing.T, client *testutil.Client) ingest.StatusResponse {
	t.Helper()

	resp, err := client.GET("/api/v1/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data ingest.StatusResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func TestIngest_SourceFailureKeepsIncidents(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)

	setJobs(job{ID: "queue", Status: "ERROR"})
	refresh(t, client)
	inc := findOpen(t, client, "queue")

	status := getStatus(t, client)
	require.NotNil(t, status.LastRefreshTime)
	refreshedAt := *status.LastRefreshTime
	assert.False(t, status.APIError.HasError)

	setSourceFailing(true)
	resp, err := client.POST("/api/v1/refresh", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	_ = resp.Body.Close()

	status = getStatus(t, client)
	assert.True(t, status.APIError.HasError)
	assert.Equal(t, "ci", status.APIError.Source)
	require.NotNil(t, status.LastRefreshTime)
	assert.True(t, status.LastRefreshTime.Equal(refreshedAt), "failed cycle must not publish a refresh time")
	require.Len(t, status.Sources, 1)
	assert.Equal(t, 1, status.Sources[0].SnapshotCount, "cached snapshots are retained")

	// Health cannot be inferred from a failed call.
	assert.Equal(t, inc.ID, findOpen(t, client, "queue").ID)

	setSourceFailing(false)
	setJobs(job{ID: "queue", Status: "ERROR"})
	refresh(t, client)
	assert.False(t, getStatus(t, client).APIError.HasError)
}

func TestIngest_RejectsUnknownSeverity(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)

	setJobs(job{ID: "good", Status: "CRITICAL"}, job{ID: "bad", Status: "MELTDOWN"})
	cycle := refresh(t, client)
	assert.Equal(t, 1, cycle.Outcome.Created)
	assert.Len(t, listOpen(t, client), 1)
}

func TestIngest_UnknownSeverityDoesNotResolve(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)

	setJobs(job{ID: "batch", Status: "ERROR"})
	refresh(t, client)
	inc := findOpen(t, client, "batch")

	setJobs(job{ID: "batch", Status: "MELTDOWN"})
	cycle := refresh(t, client)
	assert.Equal(t, 0, cycle.Outcome.Resolved)
	assert.Equal(t, inc.ID, findOpen(t, client, "batch").ID)
}
