package config

import "strconv"

// Preference keys for the non-secret settings mirrored into the host's
// preferences store alongside the hashed token (see TokenPreferenceKey in
// tokenstore.go). Per-plugin enabled flags use PluginEnabledKey(id).
const (
	HubHostPreferenceKey        = "DebugProbe.hubHost"
	HubPortPreferenceKey        = "DebugProbe.hubPort"
	EnabledPreferenceKey        = "DebugProbe.isEnabled"
	VerboseLoggingPreferenceKey = "DebugProbe.verboseLogging"
)

// PluginEnabledKey builds the preferences key a single plugin's enabled
// flag is stored under.
func PluginEnabledKey(pluginID string) string {
	return "DebugProbe.plugin." + pluginID + ".isEnabled"
}

// LoadPreferences overlays whatever DebugProbe.* keys are present in store
// onto base, following the same "only set fields win" rule as merge. The
// token itself is handled separately (PersistToken/TokenMatchesStored):
// this only restores the connection settings a host's preferences backend
// remembers between launches.
func LoadPreferences(store PreferencesStore, base Config) Config {
	out := base
	if v, ok := store.Get(HubHostPreferenceKey); ok && v != "" {
		out.HubHost = v
	}
	if v, ok := store.Get(HubPortPreferenceKey); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.HubPort = n
		}
	}
	if v, ok := store.Get(EnabledPreferenceKey); ok {
		out.Enabled = v == "true"
	}
	if v, ok := store.Get(VerboseLoggingPreferenceKey); ok {
		out.Verbose = v == "true"
	}
	return normalize(out)
}

// SavePreferences writes cfg's non-secret settings back to store. Called
// whenever a host mutates settings at runtime (e.g. via set_config or a
// fresh debughub:// scan) so the next launch resumes from them.
func SavePreferences(store PreferencesStore, cfg Config) error {
	if err := store.Set(HubHostPreferenceKey, cfg.HubHost); err != nil {
		return err
	}
	if err := store.Set(HubPortPreferenceKey, strconv.Itoa(cfg.HubPort)); err != nil {
		return err
	}
	if err := store.Set(EnabledPreferenceKey, strconv.FormatBool(cfg.Enabled)); err != nil {
		return err
	}
	return store.Set(VerboseLoggingPreferenceKey, strconv.FormatBool(cfg.Verbose))
}
