package warden

import (
	"context"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/briefing"
	"github.com/holidaibutler/warden/internal/service/scheduler"
)

// executorAdapter exposes a public Executor to the scheduler.
type executorAdapter struct {
	ex Executor
}

func (a executorAdapter) Execute(ctx context.Context, t scheduler.Task) (scheduler.Result, error) {
	res, err := a.ex.Execute(ctx, toPublicTask(t))
	if err != nil {
		return scheduler.Result{}, err
	}
	return fromPublicResult(res), nil
}

func toPublicTask(t scheduler.Task) Task {
	return Task{
		AgentKey:    t.Descriptor.Key,
		Destination: t.Destination,
		Endpoint:    t.Descriptor.Endpoint,
		ScheduledAt: t.ScheduledAt,
		Attempt:     t.Attempt,
	}
}

func fromPublicResult(r Result) scheduler.Result {
	var m model.Metrics
	for _, v := range r.Metrics {
		m = m.Set(v.Name, v.Value)
	}
	return scheduler.Result{Metrics: m, Details: r.Details}
}

// notifierAdapter exposes a public Notifier to the briefing service.
type notifierAdapter struct {
	n Notifier
}

func (a notifierAdapter) Notify(ctx context.Context, d model.Digest) error {
	return a.n.Notify(ctx, toPublicBriefing(d))
}

func toPublicBriefing(d model.Digest) Briefing {
	return Briefing{
		ID:            d.ID.String(),
		GeneratedAt:   d.GeneratedAt,
		Urgent:        d.Urgent,
		UrgentReasons: d.UrgentReasons,
		OpenIssues:    len(d.OpenIssues),
		Markdown:      briefing.Markdown(d),
	}
}
