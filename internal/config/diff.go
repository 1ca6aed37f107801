package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Tuning blocks are applied to calls that start after the change; everything
// listed in RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PacingChanged    bool
	VADChanged       bool
	ReplyChanged     bool
	TelephonyChanged bool

	// RestartRequired names the top-level sections that changed but cannot
	// be hot-reloaded.
	RestartRequired []string
}

// Reloadable reports whether d carries at least one change that can be
// applied without a restart.
func (d ConfigDiff) Reloadable() bool {
	return d.LogLevelChanged || d.PacingChanged || d.VADChanged || d.ReplyChanged || d.TelephonyChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PacingChanged = old.Pacing != new.Pacing
	d.VADChanged = old.VAD != new.VAD
	d.ReplyChanged = old.Reply != new.Reply

	// Prompt texts and document limits are reloadable; credentials are not.
	ot, nt := old.Telephony, new.Telephony
	if ot.AccountSID != nt.AccountSID || ot.AuthToken != nt.AuthToken || ot.APIBaseURL != nt.APIBaseURL {
		d.RestartRequired = append(d.RestartRequired, "telephony credentials")
	}
	ot.AccountSID, ot.AuthToken, ot.APIBaseURL = "", "", ""
	nt.AccountSID, nt.AuthToken, nt.APIBaseURL = "", "", ""
	d.TelephonyChanged = ot != nt

	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	if !reflect.DeepEqual(oldSrv, newSrv) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Recognizer != new.Recognizer {
		d.RestartRequired = append(d.RestartRequired, "recognizer")
	}
	if old.CallLog != new.CallLog {
		d.RestartRequired = append(d.RestartRequired, "calllog")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}
