//go:build integration

package integration

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/jobwatch/internal/app"
	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncidents_Lifecycle(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)
	engineer := createEngineer(t, client, domain.EngineerLevelL1)

	setJobs(
		job{ID: "backup", Name: "Nightly backup", Status: "CRITICAL", LogURL: "https://logs.example.com/backup"},
		job{ID: "reports", Status: "LOG"},
	)
	cycle := refresh(t, client)
	assert.Equal(t, 1, cycle.Outcome.Created)
	assert.Equal(t, 1, cycle.Outcome.Ignored)

	inc := findOpen(t, client, "backup")
	assert.Equal(t, domain.SeverityCritical, inc.Severity)
	assert.Equal(t, domain.IncidentStatePending, inc.State)
	assert.Equal(t, "https://logs.example.com/backup", inc.LogLink)

	resp := respond(t, client, inc.ID, engineer.ID, "P2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err := client.PUT("/api/v1/incidents/"+inc.ID+"/ticket", map[string]string{
		"inc_number": "INC-1001",
		"inc_link":   "https://tickets.example.com/INC-1001",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/v1/incidents/"+inc.ID+"/resolve", map[string]string{
		"reason":        "backup volume full",
		"action_taken":  "extended volume",
		"pending_items": "capacity alert",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resolved struct {
		Data domain.Incident `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &resolved)
	assert.Equal(t, domain.IncidentStateResolved, resolved.Data.State)
	assert.Equal(t, "INC-1001", resolved.Data.IncNumber)
	assert.Contains(t, resolved.Data.ResolutionNotes, "Pending items: capacity alert")
	assert.True(t, resolved.Data.FirstDetectedAt.Equal(inc.FirstDetectedAt))

	resp, err = client.GET("/api/v1/incidents/" + inc.ID + "/audit")
	require.NoError(t, err)
	var audit struct {
		Data []domain.AuditEntry `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &audit)
	actions := make([]domain.AuditAction, 0, len(audit.Data))
	for _, e := range audit.Data {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []domain.AuditAction{
		domain.AuditActionDetected,
		domain.AuditActionResponded,
		domain.AuditActionTicketUpdated,
		domain.AuditActionResolved,
	}, actions)
	assert.Equal(t, "integration", audit.Data[1].Actor)

	// The job still fails, so the next cycle opens a new incident.
	cycle = refresh(t, client)
	assert.Equal(t, 1, cycle.Outcome.Created)
	assert.NotEqual(t, inc.ID, findOpen(t, client, "backup").ID)
}

func TestIncidents_EscalationKeepsDetectionTime(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)

	setJobs(job{ID: "etl", Status: "WARNING"})
	refresh(t, client)
	before := findOpen(t, client, "etl")

	setJobs(job{ID: "etl", Status: "ERROR"})
	cycle := refresh(t, client)
	assert.Equal(t, 1, cycle.Outcome.Updated)

	after := findOpen(t, client, "etl")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, domain.SeverityError, after.Severity)
	assert.True(t, after.FirstDetectedAt.Equal(before.FirstDetectedAt))
}

func TestIncidents_AutoResolveResponded(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)
	engineer := createEngineer(t, client, domain.EngineerLevelL2)

	setJobs(job{ID: "sync", Status: "ERROR"})
	refresh(t, client)
	inc := findOpen(t, client, "sync")

	resp := respond(t, client, inc.ID, engineer.ID, "P1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Absent from a successful batch means healthy.
	setJobs()
	cycle := refresh(t, client)
	assert.Equal(t, 1, cycle.Outcome.Resolved)

	resp, err := client.POST("/api/v1/incidents/"+inc.ID+"/resolve", map[string]string{
		"reason":       "late",
		"action_taken": "none",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/incidents/" + inc.ID)
	require.NoError(t, err)
	var got struct {
		Data domain.Incident `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &got)
	assert.Equal(t, domain.IncidentStateResolved, got.Data.State)
	assert.Equal(t, "auto-resolved: source reports healthy", got.Data.ResolutionNotes)
}

func TestIncidents_ConcurrentRespond(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)
	first := createEngineer(t, client, domain.EngineerLevelL1)
	second := createEngineer(t, client, domain.EngineerLevelL1)

	setJobs(job{ID: "payments", Status: "CRITICAL"})
	refresh(t, client)
	inc := findOpen(t, client, "payments")

	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i, engineer := range []domain.Engineer{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(t)
			resp, err := c.POST("/api/v1/incidents/"+inc.ID+"/respond", map[string]string{
				"engineer_id": engineer.ID,
				"priority":    "P1",
			})
			if err != nil {
				t.Errorf("respond: %v", err)
				return
			}
			statuses[i] = resp.StatusCode
			_ = resp.Body.Close()
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, statuses)
}

func TestIncidents_DedupSurvivesRestart(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)

	setJobs(job{ID: "nightly", Status: "ERROR"})
	refresh(t, client)

	restarted, err := app.New(testConfig)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = restarted.Shutdown(ctx)
	})

	cycle, err := restarted.Scheduler().RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, cycle.Outcome.Created)

	open := listOpen(t, client)
	require.Len(t, open, 1)
	assert.Equal(t, "nightly", open[0].SourceJobID)
}

func TestIncidents_ReadEndpoints(t *testing.T) {
	resetIncidents(t)
	client := newTestClient(t)

	setJobs(job{ID: "a", Status: "ERROR"}, job{ID: "b", Status: "API_ERROR"})
	refresh(t, client)

	resp, err := client.GET("/api/v1/incidents/count")
	require.NoError(t, err)
	var count struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &count)
	assert.Equal(t, 2, count.Data.Count)

	open := listOpen(t, client)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].SourceJobID)
	assert.False(t, open[1].Breach)

	resp, err = client.GET("/api/v1/stats/weekly")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/incidents/resolved?limit=10")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/incidents/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}
