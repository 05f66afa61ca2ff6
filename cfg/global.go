package cfg

// GlobalOptions are options to be applied globally and set at the root of the config.
type GlobalOptions struct {
	LogLevel    string `yaml:"log_level" cli:"level"`
	ForceColors bool   `yaml:"force_colors" cli:"colors" desc:"force colored log output"`
	NTPServer   string `yaml:"ntp_server" cli:"ntp" desc:"NTP server used to check the local clock"`
	SentryDSN   string `yaml:"sentry_dsn" cli:"sentry" desc:"sentry DSN for crash reporting"`
	ConfigFile  string `cli:"config"`
}
