// Package maintenance runs the periodic housekeeping jobs: refreshing
// stored streamer display names from helix and sweeping streamer rows that
// lost every subscriber.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tntb/internal/storage"
	"tntb/pkg/logx"
)

// namesBatchSize matches the helix users endpoint cap.
const namesBatchSize = 100

// Platform is the upstream lookup/teardown surface the jobs need;
// satisfied by *twitch.Client.
type Platform interface {
	GetUsersByID(ctx context.Context, ids []string) (map[string]string, error)
	UnsubscribeEvent(ctx context.Context, subscriptionID string) error
}

type Config struct {
	Enabled bool

	// NameRefreshSpec and OrphanSweepSpec are standard five-field cron
	// expressions.
	NameRefreshSpec string
	OrphanSweepSpec string
}

type Service struct {
	store    *storage.Store
	platform Platform
	log      logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func New(store *storage.Store, platform Platform, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, platform: platform, log: log}
}

// Start schedules the jobs per cfg. Safe to call again after a config
// reload; the previous schedule is stopped first.
func (s *Service) Start(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	if !cfg.Enabled {
		s.log.Info("maintenance jobs disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.NameRefreshSpec, s.runJob("name refresh", s.RefreshNames)); err != nil {
		return err
	}
	if _, err := c.AddFunc(cfg.OrphanSweepSpec, s.runJob("orphan sweep", s.SweepOrphans)); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance jobs scheduled",
		logx.String("name_refresh", cfg.NameRefreshSpec),
		logx.String("orphan_sweep", cfg.OrphanSweepSpec))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Service) runJob(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Error("maintenance job failed", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Info("maintenance job finished",
			logx.String("job", name), logx.Duration("took", time.Since(start)))
	}
}

// RefreshNames re-resolves every tracked streamer's display name so
// notifications do not use names from months ago. Streamers helix no
// longer returns (deleted or banned accounts) are left untouched; the
// revocation flow handles those.
func (s *Service) RefreshNames(ctx context.Context) error {
	streamers, err := s.store.AllStreamers(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]string, len(streamers))
	ids := make([]string, 0, len(streamers))
	for _, st := range streamers {
		byID[st.ID] = st.Name
		ids = append(ids, st.ID)
	}

	var renamed int
	for start := 0; start < len(ids); start += namesBatchSize {
		end := min(start+namesBatchSize, len(ids))
		names, err := s.platform.GetUsersByID(ctx, ids[start:end])
		if err != nil {
			return err
		}
		for id, name := range names {
			if name == "" || name == byID[id] {
				continue
			}
			if err := s.store.UpdateStreamerName(ctx, id, name); err != nil {
				return err
			}
			renamed++
		}
	}
	if renamed > 0 {
		s.log.Info("streamer names refreshed", logx.Int("renamed", renamed))
	}
	return nil
}

// SweepOrphans deletes streamer rows without a single subscription and
// tears down their upstream EventSub subscriptions. Normally unsubscribe
// handles this inline; the sweep catches rows orphaned by crashes between
// the two steps.
func (s *Service) SweepOrphans(ctx context.Context) error {
	subIDs, err := s.store.RemoveOrphanStreamers(ctx)
	if err != nil {
		return err
	}
	for _, subID := range subIDs {
		if subID == "" {
			continue
		}
		if err := s.platform.UnsubscribeEvent(ctx, subID); err != nil {
			s.log.Warn("orphan teardown failed",
				logx.String("subscription", subID), logx.Err(err))
		}
	}
	if len(subIDs) > 0 {
		s.log.Info("orphan streamers swept", logx.Int("removed", len(subIDs)))
	}
	return nil
}
