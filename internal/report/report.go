// Package report logs a periodic summary of the job registry on a cron
// schedule.
package report

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"postrelay/internal/dispatch"
	logx "postrelay/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // 5-field cron or a descriptor such as "@every 15m"
	Timezone string // IANA TZ; empty means local
}

// StatsSource is satisfied by *dispatch.Registry.
type StatsSource interface {
	Stats() dispatch.Stats
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	src StatsSource
	cfg Config
	c   *cron.Cron
	now func() time.Time
}

func New(src StatsSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		src: src,
		now: time.Now,
	}
}

// Apply (re)starts the schedule for cfg. A disabled config stops it. On a
// parse error the previous schedule keeps running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked()
		s.cfg = cfg
		return nil
	}
	if err := Check(cfg); err != nil {
		return err
	}
	loc, _ := loadLocation(cfg.Timezone)
	spec := strings.TrimSpace(cfg.Schedule)
	if s.c != nil && s.cfg == cfg {
		return nil
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.Run); err != nil {
		return fmt.Errorf("report.schedule %q: %w", spec, err)
	}
	s.stopLocked()
	s.c = c
	s.cfg = cfg
	c.Start()
	s.log.Info("report scheduled", logx.String("schedule", spec), logx.String("tz", loc.String()))
	return nil
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Check validates the schedule and timezone of cfg without starting anything.
func Check(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("report.schedule %q: %w", spec, err)
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("report.timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

// Stop halts the schedule and waits for a running report to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

// Run logs one summary now.
func (s *Service) Run() {
	st := s.src.Stats()
	s.log.Info(Summary(st, s.now()),
		logx.Int("jobs", st.Total),
		logx.Int("running", st.Running),
		logx.Int("finished", st.Finished),
		logx.Int("stopped", st.Stopped),
		logx.Int("delivered", st.Delivered),
		logx.Int("failed", st.Failed),
		logx.Int("skipped", st.Skipped),
	)
}

// Summary renders stats as one human-readable line.
func Summary(st dispatch.Stats, now time.Time) string {
	if st.Total == 0 {
		return "no jobs yet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", humanize.Comma(int64(st.Total)), plural(st.Total, "job", "jobs"))
	fmt.Fprintf(&b, " (%d running, %d finished, %d stopped)", st.Running, st.Finished, st.Stopped)
	fmt.Fprintf(&b, ", %s delivered, %s failed, %s skipped",
		humanize.Comma(int64(st.Delivered)), humanize.Comma(int64(st.Failed)), humanize.Comma(int64(st.Skipped)))
	if attempted := st.Delivered + st.Failed; attempted > 0 {
		pct := float64(st.Delivered) * 100 / float64(attempted)
		fmt.Fprintf(&b, " (%s%% success)", humanize.FtoaWithDigits(pct, 1))
	}
	if st.Running > 0 && !st.OldestRunning.IsZero() {
		b.WriteString(", oldest running job started " + humanize.RelTime(st.OldestRunning, now, "ago", "from now"))
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
