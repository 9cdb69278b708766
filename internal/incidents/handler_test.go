package incidents_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
	"github.com/bissquit/jobwatch/internal/incidents"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	incidents.NewHandler(f.service).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func TestHandler_ListOpen(t *testing.T) {
	f := newFixture(t)
	f.detect(t, "job-1", domain.SeverityError, t0)
	f.detect(t, "job-2", domain.SeverityCritical, t0)
	f.clock.Set(t0.Add(2 * time.Minute))

	rec := do(t, newRouter(f), http.MethodGet, "/incidents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []incidents.RankedIncident `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Data, 2)
	assert.Equal(t, "job-2", body.Data[0].SourceJobID)
	assert.True(t, body.Data[0].Breach)
	assert.Equal(t, int64(120), body.Data[0].DurationSeconds)
}

func TestHandler_Respond(t *testing.T) {
	f := newFixture(t)
	inc := f.detect(t, "job-1", domain.SeverityError, t0)
	h := newRouter(f)

	tests := []struct {
		name       string
		id         string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing priority",
			id:         inc.ID,
			body:       map[string]string{"engineer_id": f.engineer.ID},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown priority",
			id:         inc.ID,
			body:       map[string]string{"engineer_id": f.engineer.ID, "priority": "P7"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown engineer",
			id:         inc.ID,
			body:       map[string]string{"engineer_id": "ghost", "priority": "P1"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown incident",
			id:         "missing",
			body:       map[string]string{"engineer_id": f.engineer.ID, "priority": "P1"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "success",
			id:         inc.ID,
			body:       map[string]string{"engineer_id": f.engineer.ID, "priority": "P1", "inc_number": "INC-42"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "already responded",
			id:         inc.ID,
			body:       map[string]string{"engineer_id": f.engineer.ID, "priority": "P2"},
			wantStatus: http.StatusConflict,
			wantCode:   "invalid_transition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/incidents/"+tt.id+"/respond", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantCode != "" {
				var body errorBody
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, tt.wantCode, body.Error.Code)
			}
		})
	}

	got, err := f.store.GetIncident(t.Context(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "INC-42", got.IncNumber)
	assert.Equal(t, domain.PriorityP1, got.Priority)
}

func TestHandler_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	inc := f.detect(t, "job-1", domain.SeverityError, t0)

	rec := httptest.NewRecorder()
	newRouter(f).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/incidents/"+inc.ID+"/respond", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ResolvePending(t *testing.T) {
	f := newFixture(t)
	inc := f.detect(t, "job-1", domain.SeverityError, t0)

	rec := do(t, newRouter(f), http.MethodPost, "/incidents/"+inc.ID+"/resolve", map[string]string{
		"reason":       "flaky",
		"action_taken": "none",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "invalid_transition", body.Error.Code)
}

func TestHandler_ResolveRequiresReason(t *testing.T) {
	f := newFixture(t)
	inc := f.detect(t, "job-1", domain.SeverityError, t0)

	rec := do(t, newRouter(f), http.MethodPost, "/incidents/"+inc.ID+"/resolve", map[string]string{
		"action_taken": "restarted",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PriorityAndTicket(t *testing.T) {
	f := newFixture(t)
	inc := f.detect(t, "job-1", domain.SeverityError, t0)
	h := newRouter(f)

	rec := do(t, h, http.MethodPut, "/incidents/"+inc.ID+"/priority", map[string]string{"priority": "P3"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPut, "/incidents/"+inc.ID+"/ticket", map[string]string{
		"inc_number": "INC-9",
		"inc_link":   "https://tickets.example.com/INC-9",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPut, "/incidents/"+inc.ID+"/ticket", map[string]string{"inc_link": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Data domain.Incident `json:"data"`
	}
	rec = do(t, h, http.MethodGet, "/incidents/"+inc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, domain.PriorityP3, body.Data.Priority)
	assert.Equal(t, "INC-9", body.Data.IncNumber)
}

func TestHandler_ListResolvedLimit(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f)

	for _, limit := range []string{"0", "101", "abc"} {
		rec := do(t, h, http.MethodGet, "/incidents/resolved?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
	}

	rec := do(t, h, http.MethodGet, "/incidents/resolved?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestHandler_CountAndStats(t *testing.T) {
	f := newFixture(t)
	f.detect(t, "job-1", domain.SeverityError, t0)
	h := newRouter(f)

	rec := do(t, h, http.MethodGet, "/incidents/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"count":1}}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/stats/weekly", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data incidents.WeeklyStats `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Data.TotalThisWeek)
	assert.Len(t, body.Data.DailyCounts, 5)
}

func TestHandler_GetAuditLogNotFound(t *testing.T) {
	f := newFixture(t)

	rec := do(t, newRouter(f), http.MethodGet, "/incidents/missing/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
