package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/laurafang/swish/internal/event"
	"github.com/laurafang/swish/internal/follower"
	"github.com/laurafang/swish/internal/mailq"
	"github.com/laurafang/swish/internal/transport"
	"github.com/laurafang/swish/pkg/logx"
)

// Kicker requests an immediate queue drain. The mail scheduler implements
// it; the dispatcher kicks after an immediate-mode send falls back to the
// queue, to bound how stale that record can get.
type Kicker interface {
	Kick()
}

// Config tunes dispatch behavior.
type Config struct {
	// NotifySelf disables self-exclusion (diagnostic override).
	NotifySelf bool
	// SendTimeout bounds each immediate mail attempt. Zero means 30s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Dispatcher fans one document event out to the document's followers and
// routes each one to presence, immediate mail, or the durable queue.
type Dispatcher struct {
	followers *follower.Store
	queue     *mailq.Queue
	presence  transport.Presence
	mail      transport.MailSender
	profiles  transport.Profiles
	kicker    Kicker
	log       logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, followers *follower.Store, queue *mailq.Queue,
	presence transport.Presence, mail transport.MailSender,
	profiles transport.Profiles, kicker Kicker, log logx.Logger,
) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		followers: followers,
		queue:     queue,
		presence:  presence,
		mail:      mail,
		profiles:  profiles,
		kicker:    kicker,
		log:       log,
		cfg:       cfg.withDefaults(),
	}
}

// Apply swaps the dispatch config at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// HandleEvent notifies every follower of the event's document.
//
// A failure while handling one follower is logged and does not block the
// rest of the fan-out; only a failure to read the follower registry itself
// aborts the event.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev event.Event) error {
	fs, err := d.followers.FollowersOf(ctx, ev.Document())
	if err != nil {
		return fmt.Errorf("dispatch %s on %s: %w", ev.Kind(), ev.Document(), err)
	}
	if len(fs) == 0 {
		return nil
	}

	notice := event.Summary(ev)
	var failed int
	for _, f := range fs {
		if err := d.notifyOne(ctx, ev, f, notice); err != nil {
			failed++
			d.log.Error("follower notification failed",
				logx.String("doc", ev.Document()),
				logx.String("account", f.Account),
				logx.String("kind", string(ev.Kind())),
				logx.Err(err))
		}
	}
	d.log.Debug("event dispatched",
		logx.String("doc", ev.Document()),
		logx.String("kind", string(ev.Kind())),
		logx.Int("followers", len(fs)),
		logx.Int("failed", failed))
	return nil
}

func (d *Dispatcher) notifyOne(ctx context.Context, ev event.Event, f follower.Follower, notice string) error {
	cfg := d.config()

	if origin, ok := ev.OriginatingAccount(); ok && origin == f.Account && !cfg.NotifySelf {
		return nil
	}

	// Presence first, always. Best-effort: the transport has no return
	// value to consult and no durability obligation.
	d.presence.SendToAccount(f.Account, notice)

	if !f.Authorizes(ev.Class()) {
		return nil
	}

	pref, err := d.profiles.DeliveryPreference(ctx, f.Account)
	if err != nil {
		return fmt.Errorf("delivery preference: %w", err)
	}

	switch pref {
	case transport.PrefNever:
		return nil
	case transport.PrefDaily:
		return d.enqueue(ev, f.Account)
	case transport.PrefImmediate:
		return d.sendNow(ctx, ev, f.Account, cfg.SendTimeout)
	default:
		return fmt.Errorf("unknown delivery preference %q", pref)
	}
}

func (d *Dispatcher) sendNow(ctx context.Context, ev event.Event, account string, timeout time.Duration) error {
	addr, ok, err := d.profiles.Email(ctx, account)
	if err != nil {
		return fmt.Errorf("email lookup: %w", err)
	}
	if !ok {
		d.log.Warn("account has no email address, skipping mail",
			logx.String("account", account), logx.String("doc", ev.Document()))
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = d.mail.SendMail(sctx, account, addr, event.Subject(ev), event.Summary(ev))
	if err == nil {
		return nil
	}
	// The failed immediate attempt does not count against the retry budget:
	// the record enters the queue in state "new".
	d.log.Warn("immediate send failed, queueing for retry",
		logx.String("account", account), logx.String("doc", ev.Document()), logx.Err(err))

	if err := d.enqueue(ev, account); err != nil {
		return err
	}
	if d.kicker != nil {
		d.kicker.Kick()
	}
	return nil
}

func (d *Dispatcher) enqueue(ev event.Event, account string) error {
	r, err := mailq.NewRecord(ev, account)
	if err != nil {
		return err
	}
	if err := d.queue.Enqueue(r); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}
