// Package schedule runs the periodic acquisition sweep. On each tick it
// submits one scrape task per active jurisdiction; source selection and
// broken-source skipping happen downstream in the acquisition runner.
package schedule

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/analysis"
	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

// Submitter is the slice of the task manager the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, task model.AnalysisTask, req analysis.Request) (*model.AnalysisTask, error)
}

// Scheduler triggers acquisition sweeps on a cron schedule.
type Scheduler struct {
	store   store.Store
	manager Submitter
	spec    string
	cron    *cron.Cron
}

// New creates a Scheduler. The cron spec is a standard 5-field
// expression, e.g. "0 */6 * * *" for every six hours.
func New(st store.Store, manager Submitter, cfg config.ScheduleConfig) *Scheduler {
	spec := cfg.ScrapeCron
	if spec == "" {
		spec = "0 */6 * * *"
	}
	return &Scheduler{
		store:   st,
		manager: manager,
		spec:    spec,
		cron:    cron.New(),
	}
}

// Start registers the sweep and begins ticking. The cron job stops when
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Sweep(ctx, false); err != nil {
			zap.L().Error("schedule: sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return eris.Wrapf(err, "schedule: invalid cron spec %q", s.spec)
	}
	s.cron.Start()
	zap.L().Info("schedule: acquisition sweep scheduled", zap.String("cron", s.spec))

	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Sweep submits a scrape task for every active jurisdiction. A
// jurisdiction with a scrape already queued or running is skipped unless
// force is set. Returns the number of tasks submitted.
func (s *Scheduler) Sweep(ctx context.Context, force bool) (int, error) {
	jurisdictions, err := s.store.ListJurisdictions(ctx, model.JurisdictionActive)
	if err != nil {
		return 0, eris.Wrap(err, "schedule: list jurisdictions")
	}

	submitted := 0
	for _, j := range jurisdictions {
		if ctx.Err() != nil {
			return submitted, ctx.Err()
		}
		if !force {
			inflight, err := s.hasInflightScrape(ctx, j.ID)
			if err != nil {
				zap.L().Warn("schedule: in-flight check failed",
					zap.String("jurisdiction_id", j.ID), zap.Error(err))
				continue
			}
			if inflight {
				zap.L().Debug("schedule: scrape already in flight",
					zap.String("jurisdiction_id", j.ID))
				continue
			}
		}

		_, err := s.manager.Submit(ctx, model.AnalysisTask{
			Type:           model.TaskScrape,
			JurisdictionID: j.ID,
		}, analysis.Request{JurisdictionID: j.ID})
		if err != nil {
			zap.L().Warn("schedule: submit scrape failed",
				zap.String("jurisdiction_id", j.ID), zap.Error(err))
			continue
		}
		submitted++
	}

	zap.L().Info("schedule: sweep submitted",
		zap.Int("jurisdictions", len(jurisdictions)),
		zap.Int("submitted", submitted),
		zap.Bool("force", force),
	)
	return submitted, nil
}

func (s *Scheduler) hasInflightScrape(ctx context.Context, jurisdictionID string) (bool, error) {
	for _, status := range []model.TaskStatus{model.TaskQueued, model.TaskRunning} {
		active, err := s.store.ListTasks(ctx, store.TaskFilter{
			JurisdictionID: jurisdictionID,
			Type:           model.TaskScrape,
			Status:         status,
			Limit:          1,
		})
		if err != nil {
			return false, err
		}
		if len(active) > 0 {
			return true, nil
		}
	}
	return false, nil
}
