package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/laurafang/swish/internal/event"
	"github.com/laurafang/swish/internal/mailq"
	"github.com/laurafang/swish/internal/transport"
	"github.com/laurafang/swish/pkg/logx"
)

// Config controls the mail scheduler.
type Config struct {
	DailyAt     string        // "HH:MM" in Timezone
	Timezone    string        // IANA TZ; empty means local time
	RetryBudget int           // retries after the first queued failure (default 3)
	SendTimeout time.Duration // per delivery attempt (default 30s)
	RatePerSec  int           // outbound send rate (default 10)
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.DailyAt) == "" {
		c.DailyAt = "04:00"
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	return c
}

// Scheduler drains the mail queue once a day at the configured instant and
// whenever someone kicks it. It owns exactly one background loop; drains
// never overlap because both triggers funnel into the same single-consumer
// kick channel.
type Scheduler struct {
	queue    *mailq.Queue
	mail     transport.MailSender
	profiles transport.Profiles
	log      logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	c       *cron.Cron
	entry   cron.EntryID

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, queue *mailq.Queue, mail transport.MailSender,
	profiles transport.Profiles, log logx.Logger,
) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		queue:    queue,
		mail:     mail,
		profiles: profiles,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Scheduler) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Apply swaps the config at runtime, rescheduling the daily drain if the
// time-of-day or timezone changed. An invalid config is rejected without
// touching the running schedule.
func (s *Scheduler) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg = cfg.withDefaults()
	if _, _, err := parseHHMM(cfg.DailyAt); err != nil {
		return err
	}

	old := s.cfg
	s.applyLocked(cfg)
	if s.c == nil || (old.DailyAt == s.cfg.DailyAt && old.Timezone == s.cfg.Timezone) {
		return nil
	}

	s.c.Remove(s.entry)
	entry, err := s.registerDailyLocked()
	if err != nil {
		return err
	}
	s.entry = entry
	s.log.Info("daily drain rescheduled", logx.String("at", s.cfg.DailyAt), logx.String("tz", s.cfg.Timezone))
	return nil
}

// Start begins the background loop. ctx cancellation and Stop both end it;
// a drain in flight observes the cancellation through its own context.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return errors.New("schedule: already started")
	}

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(loc))
	entry, err := s.registerDailyLocked()
	if err != nil {
		s.c = nil
		return err
	}
	s.entry = entry
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, stopCh)
	}()
	s.c.Start()

	s.log.Info("mail scheduler started",
		logx.String("daily_at", s.cfg.DailyAt), logx.String("tz", loc.String()))
	return nil
}

// Stop ends the loop and waits for a running drain to finish, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// loop exit continues in background
	}
	s.log.Info("mail scheduler stopped")
}

// Kick requests an immediate drain. Non-blocking; kicks issued while a
// drain is pending coalesce into one.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) registerDailyLocked() (cron.EntryID, error) {
	h, m, err := parseHHMM(s.cfg.DailyAt)
	if err != nil {
		return 0, err
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)
	return s.c.AddFunc(spec, s.Kick)
}

func (s *Scheduler) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local",
			logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.kick:
			if err := s.DrainOnce(ctx); err != nil {
				s.log.Error("drain cycle failed", logx.Err(err))
			}
		}
	}
}

// DrainOnce claims the whole queue and attempts delivery of every record.
//
// Per record: the account's preference is re-read (it may have changed since
// enqueue); success or a permanent skip drops the record; failure advances
// the retry state and re-enqueues, or dead-letters once the budget is gone.
func (s *Scheduler) DrainOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	records, err := s.queue.DrainAndClaim()
	if err != nil && !errors.Is(err, mailq.ErrCorrupt) {
		return err
	}
	// On a corrupt segment the claim already quarantined the file; the
	// well-formed records it recovered are still delivered below.
	if err != nil {
		s.log.Error("queue segment quarantined", logx.Err(err), logx.Int("recovered", len(records)))
	}
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	var delivered, requeued, dropped int
	for _, r := range records {
		if werr := lim.Wait(ctx); werr != nil {
			// Shutdown mid-drain: push the rest back for the next cycle.
			if qerr := s.queue.Enqueue(r); qerr != nil {
				s.log.Error("failed to requeue record during shutdown",
					logx.String("account", r.Account), logx.Err(qerr))
			}
			requeued++
			continue
		}

		derr := s.deliver(ctx, r, cfg.SendTimeout)
		switch {
		case derr == nil:
			delivered++
		case errors.Is(derr, errDrop):
			dropped++
		default:
			next, retry := advanceRetry(r, cfg.RetryBudget, derr.Error())
			if !retry {
				if dlerr := s.queue.DeadLetter(next); dlerr != nil {
					s.log.Error("dead-letter append failed",
						logx.String("account", next.Account), logx.Err(dlerr))
				}
				s.log.Warn("record dropped after exhausting retries",
					logx.String("account", next.Account),
					logx.String("doc", next.Document),
					logx.String("reason", next.Reason))
				dropped++
				continue
			}
			if qerr := s.queue.Enqueue(next); qerr != nil {
				s.log.Error("requeue failed, record lost",
					logx.String("account", next.Account), logx.Err(qerr))
				dropped++
				continue
			}
			requeued++
		}
	}

	s.log.Info("drain cycle finished",
		logx.Int("claimed", len(records)),
		logx.Int("delivered", delivered),
		logx.Int("requeued", requeued),
		logx.Int("dropped", dropped),
		logx.Duration("took", time.Since(start)))
	return nil
}

// errDrop marks outcomes that discard a record without touching its retry
// state (preference now "never", no known address, undecodable payload).
var errDrop = errors.New("drop record")

func (s *Scheduler) deliver(ctx context.Context, r mailq.Record, timeout time.Duration) error {
	pref, err := s.profiles.DeliveryPreference(ctx, r.Account)
	if err != nil {
		return fmt.Errorf("delivery preference: %w", err)
	}
	if pref == transport.PrefNever {
		return errDrop
	}

	addr, ok, err := s.profiles.Email(ctx, r.Account)
	if err != nil {
		return fmt.Errorf("email lookup: %w", err)
	}
	if !ok {
		s.log.Warn("queued record for account with no email address",
			logx.String("account", r.Account), logx.String("doc", r.Document))
		return errDrop
	}

	ev, err := r.Event()
	if err != nil {
		// Retrying cannot fix a bad payload; keep the record inspectable
		// instead of discarding it.
		r.Reason = err.Error()
		if dlerr := s.queue.DeadLetter(r); dlerr != nil {
			s.log.Error("dead-letter append failed",
				logx.String("account", r.Account), logx.Err(dlerr))
		}
		s.log.Error("undecodable queued record moved to dead letter", logx.Err(err))
		return errDrop
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.mail.SendMail(sctx, r.Account, addr, event.Subject(ev), event.Summary(ev)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// advanceRetry computes the record's next retry state after a failed
// delivery attempt. The first queued failure grants the full budget; each
// later failure burns one unit; a budget of zero means dead-letter. With
// the default budget of 3 a record is attempted 4 times in total.
func advanceRetry(r mailq.Record, budget int, reason string) (mailq.Record, bool) {
	r.Reason = reason
	switch r.State {
	case mailq.StateRetry:
		r.Remaining--
	default:
		r.State = mailq.StateRetry
		r.Remaining = budget
	}
	return r, r.Remaining > 0
}

func parseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
