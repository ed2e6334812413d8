// Package registry stores the subscriber devices notifications are pushed to.
//
// Records are written by the external pairing flow; this agent only reads
// snapshots per dispatch attempt and removes targets the push service reports
// as invalid or expired.
package registry

import "time"

// Kind is the capability class of a target.
type Kind string

const (
	KindAndroid     Kind = "android"
	KindIosApp      Kind = "ios_app"
	KindIosActivity Kind = "ios_activity"
)

// Target is one deliverable push endpoint.
type Target struct {
	Kind          Kind
	InstanceID    string
	PushToken     string
	FallbackToken string
	// ActivityAutoStartToken lets an iOS app target start a live activity on
	// the fly for print-start events.
	ActivityAutoStartToken string
	// Exclude lists notification categories this target opted out of.
	Exclude []string
	// ExpireAt is when a live activity token stops being serviceable.
	// Zero means no expiry.
	ExpireAt time.Time
	// Temporary marks targets synthesized for a single print (auto-started
	// activities); they are removed on terminal events.
	Temporary bool
}

// WithToken returns a copy of t delivering to the given token.
func (t Target) WithToken(token string) Target {
	cp := t
	cp.PushToken = token
	cp.FallbackToken = ""
	return cp
}

// Excludes reports whether the target opted out of the given category.
func (t Target) Excludes(category string) bool {
	for _, c := range t.Exclude {
		if c == category {
			return true
		}
	}
	return false
}

// Androids filters a snapshot down to Android targets.
func Androids(ts []Target) []Target { return ofKind(ts, KindAndroid) }

// IosApps filters a snapshot down to iOS app targets.
func IosApps(ts []Target) []Target { return ofKind(ts, KindIosApp) }

// Activities filters a snapshot down to iOS live-activity targets.
func Activities(ts []Target) []Target { return ofKind(ts, KindIosActivity) }

// AutoStarts filters down to iOS app targets that carry an activity
// auto-start token.
func AutoStarts(ts []Target) []Target {
	var out []Target
	for _, t := range ts {
		if t.Kind == KindIosApp && t.ActivityAutoStartToken != "" {
			out = append(out, t)
		}
	}
	return out
}

// ByInstance groups a snapshot by owning device.
func ByInstance(ts []Target) map[string][]Target {
	out := make(map[string][]Target)
	for _, t := range ts {
		out[t.InstanceID] = append(out[t.InstanceID], t)
	}
	return out
}

func ofKind(ts []Target, k Kind) []Target {
	var out []Target
	for _, t := range ts {
		if t.Kind == k {
			out = append(out, t)
		}
	}
	return out
}
