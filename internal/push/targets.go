package push

import (
	"context"

	"octoagent/internal/registry"
	"octoagent/pkg/logx"
)

// pushTargets resolves the delivery set for an event: targets are grouped by
// owning device and each group contributes its single best representation.
// Android and iOS are never mixed within one group.
func (d *Dispatcher) pushTargets(ctx context.Context, event Event) ([]registry.Target, error) {
	all, err := d.store.All(ctx)
	if err != nil {
		return nil, err
	}

	var out []registry.Target
	for _, group := range registry.ByInstance(all) {
		out = append(out, d.bestOfGroup(ctx, group, event)...)
	}
	return out, nil
}

func (d *Dispatcher) bestOfGroup(ctx context.Context, group []registry.Target, event Event) []registry.Target {
	androids := registry.Androids(group)
	ios := registry.IosApps(group)
	activities := registry.Activities(group)

	// Start events can spin up a live activity on the fly from an app target
	// that registered an auto-start token. The synthesized target is stored
	// as temporary so follow-up updates reach the activity; terminal events
	// purge it.
	if event == EventStarted {
		for _, app := range registry.AutoStarts(ios) {
			t := app.WithToken(app.ActivityAutoStartToken)
			t.Kind = registry.KindIosActivity
			t.Temporary = true
			if err := d.store.Upsert(ctx, t); err != nil {
				d.log.Warn("failed to persist auto-start activity target", logx.Err(err))
			}
			activities = append(activities, t)
		}
	}

	switch {
	case len(androids) > 0:
		// Android handles every event the same way.
		return androids
	case activityUnsupported(event):
		return ios
	case highImportance(event):
		return append(append([]registry.Target(nil), activities...), ios...)
	default:
		// Background progress goes to activities only; a group without an
		// active activity receives nothing.
		return activities
	}
}
