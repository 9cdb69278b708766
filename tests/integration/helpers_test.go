//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/incidents"
	"github.com/bissquit/jobwatch/internal/ingest"
	"github.com/bissquit/jobwatch/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// resetIncidents empties the incident tables and the source between tests.
// The engineer roster is kept, tests add the engineers they need.
func resetIncidents(t *testing.T) {
	t.Helper()
	require.NoError(t, testutil.Truncate(context.Background(), testDB, "incident_audit", "incidents", "app_state"))
	setJobs()
	setSourceFailing(false)
}

func setJobs(jobs ...job) {
	testSource.mu.Lock()
	defer testSource.mu.Unlock()
	now := time.Now().Unix()
	for i := range jobs {
		if jobs[i].Timestamp == 0 {
			jobs[i].Timestamp = now
		}
	}
	testSource.jobs = jobs
}

func setSourceFailing(failing bool) {
	testSource.mu.Lock()
	defer testSource.mu.Unlock()
	testSource.failing = failing
}

func refresh(t *testing.T, client *testutil.Client) ingest.CycleResult {
	t.Helper()

	resp, err := client.POST("/api/v1/refresh", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data ingest.CycleResult `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotNil(t, result.Data.Outcome)
	return result.Data
}

func listOpen(t *testing.T, client *testutil.Client) []incidents.RankedIncident {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data []incidents.RankedIncident `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func findOpen(t *testing.T, client *testutil.Client, jobID string) *incidents.RankedIncident {
	t.Helper()
	for _, inc := range listOpen(t, client) {
		if inc.SourceJobID == jobID {
			return &inc
		}
	}
	t.Fatalf("no open incident for job %s", jobID)
	return nil
}

// createEngineer adds an engineer with a unique name and removes it when the test ends.
func createEngineer(t *testing.T, client *testutil.Client, level domain.EngineerLevel) domain.Engineer {
	t.Helper()

	resp, err := client.POST("/api/v1/engineers", map[string]string{
		"name":  "Engineer " + uuid.NewString()[:8],
		"level": string(level),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data domain.Engineer `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)

	t.Cleanup(func() {
		// Incidents reference responders, so they must go first.
		_ = testutil.Truncate(context.Background(), testDB, "incident_audit", "incidents")
		c := newTestClientWithoutValidation()
		c.SetToken(testToken)
		resp, err := c.DELETE("/api/v1/engineers/" + result.Data.ID)
		if err == nil {
			_ = resp.Body.Close()
		}
	})
	return result.Data
}

func respond(t *testing.T, client *testutil.Client, incidentID, engineerID, priority string) *http.Response {
	t.Helper()
	resp, err := client.POST("/api/v1/incidents/"+incidentID+"/respond", map[string]string{
		"engineer_id": engineerID,
		"priority":    priority,
	})
	require.NoError(t, err)
	return resp
}
