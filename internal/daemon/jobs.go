package daemon

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"qomui/internal/database"
	"qomui/internal/firewall"
)

const (
	auditInterval   = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// newScheduler registers the periodic maintenance jobs.
func (d *Daemon) newScheduler() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(auditInterval),
		gocron.NewTask(d.auditFirewall),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("failed to create audit job: %w", err)
	}
	if d.db != nil {
		if _, err := scheduler.NewJob(
			gocron.DurationJob(cleanupInterval),
			gocron.NewTask(d.cleanupJournal),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		); err != nil {
			return nil, fmt.Errorf("failed to create journal cleanup job: %w", err)
		}
	}
	return scheduler, nil
}

// auditFirewall repairs the kill-switch while it is active.
func (d *Daemon) auditFirewall() {
	if d.firewall.Mode() != firewall.ModeOn {
		return
	}
	report := d.firewall.Audit()
	if report.Restored > 0 || report.Removed > 0 {
		d.log.Warnf("firewall audit restored %d rules and removed %d lan accepts", report.Restored, report.Removed)
	}
}

func (d *Daemon) cleanupJournal() {
	if err := database.Cleanup(d.db); err != nil {
		d.log.Warnf("journal cleanup: %v", err)
	}
}
