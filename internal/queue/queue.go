package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/dc-dime/beiwe-backend/internal/observability"
)

const (
	// SubjectTasks carries task dispatches for the execution workers.
	SubjectTasks = "forest.tasks"
)

type Config struct {
	NATSURL      string
	StreamName   string
	ConsumerName string

	// AckWait must exceed the longest expected pipeline run; an in-flight
	// dispatch redelivered mid-run only bounces off the claim conflict path
	// and burns the redispatch budget.
	AckWait    time.Duration
	MaxDeliver int
}

func (c Config) withDefaults() Config {
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Minute
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	return c
}

type Queue struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

// TaskMessage is the whole dispatch payload: a task id, the moment the
// dispatch goes stale, and how often a conflict already bounced it back.
// Delivery is at-least-once with no ordering guarantee.
type TaskMessage struct {
	TaskID       string    `json:"task_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Redispatches int       `json:"redispatches"`
}

// Expired reports whether the dispatch window has passed. Expired deliveries
// are dropped rather than executed late, which stops pile-up after outages.
func (m TaskMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

func New(ctx context.Context, cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	q := &Queue{nc: nc, js: js, cfg: cfg}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

func (q *Queue) ensureStream(ctx context.Context) error {
	desired := []string{SubjectTasks}

	// If the stream exists: merge subjects safely and update only if needed.
	if info, err := q.js.StreamInfo(q.cfg.StreamName); err == nil && info != nil {
		merged, changed := mergeSubjects(info.Config.Subjects, desired)
		if !changed {
			return nil
		}

		sc := info.Config
		sc.Subjects = merged
		sc.Name = q.cfg.StreamName

		if _, err := q.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:      q.cfg.StreamName,
		Subjects:  desired,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	}
	if _, err := q.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

// PublishTask publishes one dispatch with the trace context injected into the
// message headers.
func (q *Queue) PublishTask(ctx context.Context, msg TaskMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier(hdr))

	_, err = q.js.PublishMsg(&nats.Msg{
		Subject: SubjectTasks,
		Header:  hdr,
		Data:    b,
	})
	return err
}

// PullSubscribe binds a manual-ack pull consumer for the task subject.
func (q *Queue) PullSubscribe() (*nats.Subscription, error) {
	return q.js.PullSubscribe(SubjectTasks, q.cfg.ConsumerName,
		nats.BindStream(q.cfg.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxDeliver),
	)
}

func (q *Queue) JetStream() nats.JetStreamContext {
	return q.js
}
