package schedule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsignal/billcost/internal/analysis"
	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

type scheduleStore struct {
	store.Store
	jurisdictions []model.Jurisdiction
	inflight      map[string]model.TaskStatus
}

func (m *scheduleStore) ListJurisdictions(_ context.Context, status model.JurisdictionStatus) ([]model.Jurisdiction, error) {
	var out []model.Jurisdiction
	for _, j := range m.jurisdictions {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *scheduleStore) ListTasks(_ context.Context, f store.TaskFilter) ([]model.AnalysisTask, error) {
	if status, ok := m.inflight[f.JurisdictionID]; ok && status == f.Status {
		return []model.AnalysisTask{{ID: "t-1", JurisdictionID: f.JurisdictionID, Type: f.Type, Status: status}}, nil
	}
	return nil, nil
}

type recordingSubmitter struct {
	submitted []model.AnalysisTask
}

func (r *recordingSubmitter) Submit(_ context.Context, task model.AnalysisTask, _ analysis.Request) (*model.AnalysisTask, error) {
	r.submitted = append(r.submitted, task)
	task.ID = "task-1"
	return &task, nil
}

func TestSweep_SubmitsPerActiveJurisdiction(t *testing.T) {
	st := &scheduleStore{
		jurisdictions: []model.Jurisdiction{
			{ID: "jur-1", Status: model.JurisdictionActive},
			{ID: "jur-2", Status: model.JurisdictionActive},
			{ID: "jur-3", Status: model.JurisdictionArchived},
		},
		inflight: map[string]model.TaskStatus{},
	}
	sub := &recordingSubmitter{}
	s := New(st, sub, config.ScheduleConfig{})

	n, err := s.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sub.submitted, 2)
	assert.Equal(t, model.TaskScrape, sub.submitted[0].Type)
	assert.Equal(t, "jur-1", sub.submitted[0].JurisdictionID)
}

func TestSweep_SkipsInflightScrape(t *testing.T) {
	st := &scheduleStore{
		jurisdictions: []model.Jurisdiction{
			{ID: "jur-1", Status: model.JurisdictionActive},
			{ID: "jur-2", Status: model.JurisdictionActive},
		},
		inflight: map[string]model.TaskStatus{"jur-1": model.TaskRunning},
	}
	sub := &recordingSubmitter{}
	s := New(st, sub, config.ScheduleConfig{})

	n, err := s.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "jur-2", sub.submitted[0].JurisdictionID)
}

func TestSweep_ForceOverridesInflight(t *testing.T) {
	st := &scheduleStore{
		jurisdictions: []model.Jurisdiction{{ID: "jur-1", Status: model.JurisdictionActive}},
		inflight:      map[string]model.TaskStatus{"jur-1": model.TaskQueued},
	}
	sub := &recordingSubmitter{}
	s := New(st, sub, config.ScheduleConfig{})

	n, err := s.Sweep(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStart_RejectsBadCronSpec(t *testing.T) {
	s := New(&scheduleStore{inflight: map[string]model.TaskStatus{}}, &recordingSubmitter{}, config.ScheduleConfig{ScrapeCron: "not a cron"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := s.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron spec")
}
