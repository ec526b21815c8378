package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only sections that can be applied without a restart are tracked; they take
// effect for calls started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// UpstreamChanged is true when anything in the upstream section differs.
	// The provider itself is only switched on restart; model, voice and
	// prompt changes apply to new calls.
	UpstreamChanged bool
	ProviderChanged bool

	CallChanged       bool
	TranscriptChanged bool
	MaxCallsChanged   bool

	// FailoverChanged only takes effect on restart.
	FailoverChanged bool

	// MenuChanged covers item changes and menu_match tuning.
	MenuChanged bool
	MenuChanges []MenuDiff
}

// MenuDiff describes what changed for a single menu item.
type MenuDiff struct {
	Name         string
	Added        bool
	Removed      bool
	PriceChanged bool
	AliasChanged bool
}

// Changed reports whether any tracked section differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.UpstreamChanged || d.CallChanged ||
		d.TranscriptChanged || d.MaxCallsChanged || d.MenuChanged ||
		d.FailoverChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.MaxCallsChanged = old.Server.MaxCalls != new.Server.MaxCalls

	d.ProviderChanged = old.Upstream.Name != new.Upstream.Name
	d.UpstreamChanged = !upstreamEqual(old.Upstream, new.Upstream)
	d.CallChanged = old.Call != new.Call
	d.TranscriptChanged = old.Transcript != new.Transcript
	d.FailoverChanged = old.Failover.MaxFailures != new.Failover.MaxFailures ||
		old.Failover.ResetTimeout != new.Failover.ResetTimeout ||
		!slices.Equal(old.Failover.Upstreams, new.Failover.Upstreams)

	oldItems := make(map[string]int, len(old.Menu))
	for i := range old.Menu {
		oldItems[old.Menu[i].Name] = i
	}
	newItems := make(map[string]int, len(new.Menu))
	for i := range new.Menu {
		newItems[new.Menu[i].Name] = i
	}

	for _, item := range old.Menu {
		j, exists := newItems[item.Name]
		if !exists {
			d.MenuChanges = append(d.MenuChanges, MenuDiff{Name: item.Name, Removed: true})
			continue
		}
		md := MenuDiff{
			Name:         item.Name,
			PriceChanged: item.Price != new.Menu[j].Price,
			AliasChanged: !slices.Equal(item.Aliases, new.Menu[j].Aliases),
		}
		if md.PriceChanged || md.AliasChanged {
			d.MenuChanges = append(d.MenuChanges, md)
		}
	}
	for _, item := range new.Menu {
		if _, exists := oldItems[item.Name]; !exists {
			d.MenuChanges = append(d.MenuChanges, MenuDiff{Name: item.Name, Added: true})
		}
	}
	d.MenuChanged = len(d.MenuChanges) > 0 || old.MenuMatch != new.MenuMatch

	return d
}

// upstreamEqual compares two upstream sections. Options are compared by key
// set and scalar value only.
func upstreamEqual(a, b UpstreamConfig) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Voice != b.Voice || a.Language != b.Language ||
		a.Instructions != b.Instructions || a.Temperature != b.Temperature ||
		a.TopP != b.TopP || a.ConnectTimeout != b.ConnectTimeout {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !scalarEqual(av, bv) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	}
	// Nested values are treated as changed.
	return false
}
