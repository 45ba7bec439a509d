package config

// Config is the notifyd configuration file.
//
// The file may be JSON or YAML; unknown fields are rejected. All durations
// are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Followers FollowersConfig `json:"followers"`
	Queue     QueueConfig     `json:"queue"`
	Mail      MailConfig      `json:"mail"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	// Console is a pointer so "omitted" (default true) is distinguishable
	// from an explicit false.
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

// FollowersConfig locates the follower registry database.
type FollowersConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig locates the durable mail queue file. The dead-letter and
// quarantine files live next to it.
type QueueConfig struct {
	Path string `json:"path"`
}

// MailConfig controls the mail scheduler.
//
// Defaults (when fields are omitted/zero):
//   - daily_at: "04:00"
//   - timezone: local time
//   - retry_max: 3
//   - send_timeout: "30s"
//   - rate_per_sec: 10
type MailConfig struct {
	DailyAt     string `json:"daily_at,omitempty"` // "HH:MM"
	Timezone    string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Amsterdam"
	RetryMax    int    `json:"retry_max,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// DispatchConfig tunes event fan-out.
type DispatchConfig struct {
	// NotifySelf disables suppression of self-originated notifications
	// (diagnostic override).
	NotifySelf bool `json:"notify_self,omitempty"`
}
