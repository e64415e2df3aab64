// Package keeper is the automation that polls a raffle and triggers the
// draw when it is due.
package keeper

import (
	"sync"

	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/robfig/cron/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// DefaultSchedule polls once per second.
const DefaultSchedule = "@every 1s"

// Upkeeper is what the keeper polls. The raffle client and Local both
// implement it.
type Upkeeper interface {
	CheckUpkeep() (bool, error)
	PerformUpkeep() (uint64, error)
}

// Keeper runs Tick on a cron schedule. Ticks never overlap.
type Keeper struct {
	target   Upkeeper
	schedule string
	cron     *cron.Cron

	sync.Mutex
	performed []uint64
	running   bool
}

func New(target Upkeeper, schedule string) *Keeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Keeper{target: target, schedule: schedule}
}

// Start registers the keeper with a new cron scheduler and starts it.
func (k *Keeper) Start() error {
	k.Lock()
	defer k.Unlock()
	if k.running {
		return xerrors.New("keeper already running")
	}
	c := cron.New(cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddJob(k.schedule, k); err != nil {
		return xerrors.Errorf("bad schedule %q: %v", k.schedule, err)
	}
	c.Start()
	k.cron = c
	k.running = true
	log.Lvl2("keeper started with schedule", k.schedule)
	return nil
}

// Stop stops the scheduler and waits for a running tick to return.
func (k *Keeper) Stop() {
	k.Lock()
	if !k.running {
		k.Unlock()
		return
	}
	c := k.cron
	k.running = false
	k.Unlock()
	<-c.Stop().Done()
	log.Lvl2("keeper stopped")
}

// Run implements cron.Job.
func (k *Keeper) Run() {
	if _, err := k.Tick(); err != nil {
		log.Error("keeper:", err)
	}
}

// Tick polls once and triggers the draw if it is due. It returns the id of
// the request made, 0 if none. Losing the race against another keeper is
// not an error.
func (k *Keeper) Tick() (uint64, error) {
	needed, err := k.target.CheckUpkeep()
	if err != nil {
		return 0, xerrors.Errorf("checking upkeep: %v", err)
	}
	if !needed {
		return 0, nil
	}
	id, err := k.target.PerformUpkeep()
	if err != nil {
		if xerrors.Is(err, rbase.ErrUpkeepNotNeeded) {
			log.Lvl3("keeper: draw already triggered")
			return 0, nil
		}
		return 0, xerrors.Errorf("performing upkeep: %v", err)
	}
	log.Lvl2("keeper: requested draw", id)
	k.Lock()
	k.performed = append(k.performed, id)
	k.Unlock()
	return id, nil
}

// Performed returns the ids of the requests this keeper triggered.
func (k *Keeper) Performed() []uint64 {
	k.Lock()
	defer k.Unlock()
	return append([]uint64(nil), k.performed...)
}

// Local adapts an in-process raffle.
type Local struct {
	R *rbase.Raffle
}

func (l Local) CheckUpkeep() (bool, error) {
	needed, _ := l.R.CheckUpkeep()
	return needed, nil
}

func (l Local) PerformUpkeep() (uint64, error) {
	return l.R.PerformUpkeep()
}
