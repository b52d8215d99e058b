// Package maintenance runs the cron-driven housekeeping jobs: a daily status
// digest for the operator and retention pruning of the group dedup store.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/groups"
	"postpilot/internal/schedule"
	"postpilot/internal/session"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Enabled    bool
	DigestSpec string
	PruneSpec  string
	Retention  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DigestSpec == "" {
		c.DigestSpec = "0 8 * * *"
	}
	if c.PruneSpec == "" {
		c.PruneSpec = "30 3 * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Service owns the cron schedule. Dedup may be nil (no dedup store
// configured) and notify may be nil (no operator channel); either just
// disables the corresponding job.
type Service struct {
	cfg      Config
	cron     *cron.Cron
	store    *schedule.Store
	registry *session.Registry
	dedup    *groups.DedupStore
	notify   func(string)
	log      logx.Logger
}

func New(cfg Config, store *schedule.Store, registry *session.Registry, dedup *groups.DedupStore, notify func(string), log logx.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		cron:     cron.New(),
		store:    store,
		registry: registry,
		dedup:    dedup,
		notify:   notify,
		log:      log,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.notify != nil {
		if _, err := s.cron.AddFunc(s.cfg.DigestSpec, s.digest); err != nil {
			return fmt.Errorf("maintenance digest spec: %w", err)
		}
	}
	if s.dedup != nil {
		if _, err := s.cron.AddFunc(s.cfg.PruneSpec, s.prune); err != nil {
			return fmt.Errorf("maintenance prune spec: %w", err)
		}
	}
	s.cron.Start()
	s.log.Info("maintenance started",
		logx.String("digest_spec", s.cfg.DigestSpec),
		logx.String("prune_spec", s.cfg.PruneSpec),
	)
	return nil
}

// Stop halts the cron scheduler and waits for a running job to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) digest() {
	executed, pending := s.store.Counts()
	msg := fmt.Sprintf("📋 schedule: %d executed, %d pending, %d live sessions",
		executed, pending, s.registry.Count())
	s.notify(msg)
	s.log.Info("digest sent",
		logx.Int("executed", executed),
		logx.Int("pending", pending),
	)
}

func (s *Service) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.dedup.Prune(ctx, s.cfg.Retention)
	if err != nil {
		s.log.Warn("dedup prune failed", logx.Err(err))
		return
	}
	s.log.Info("dedup pruned",
		logx.Int64("removed", n),
		logx.Duration("retention", s.cfg.Retention),
	)
}
