package scheduler

import (
	"log"

	"github.com/robfig/cron/v3"
)

// Housekeeper periodically prunes finished client records using a
// seconds-resolution cron schedule for its background ticker.
type Housekeeper struct {
	c   *cron.Cron
	log *log.Logger
}

// NewHousekeeper schedules registry pruning on the given cron
// expression (seconds-field syntax, e.g. "*/30 * * * * *" for every 30
// seconds).
func NewHousekeeper(registry *Registry, spec string, logger *log.Logger) (*Housekeeper, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		if n := registry.PruneFinished(); n > 0 {
			logger.Printf("scheduler: housekeeping pruned %d finished client record(s)", n)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Housekeeper{c: c, log: logger}, nil
}

func (h *Housekeeper) Start() { h.c.Start() }
func (h *Housekeeper) Stop()  { h.c.Stop() }
