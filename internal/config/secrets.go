package config

import "net/url"

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log. Credentials are
// replaced with "***" and a URL-form Postgres DSN keeps everything but its
// password. Slices are copied so the result shares no mutable state with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Postgres.DSN = redactDSN(cfg.Postgres.DSN)
	for _, s := range []*string{
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.LLM.APIKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Bots = make([]BotConfig, len(cfg.Bots))
	for i, b := range cfg.Bots {
		b.Symbols = append([]string(nil), b.Symbols...)
		if b.Risk != nil {
			r := *b.Risk
			b.Risk = &r
		}
		out.Bots[i] = b
	}
	return out
}

// redactDSN masks the password of a postgres:// URL. Key/value DSNs are
// masked whole.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return redacted
	}
	return u.Redacted()
}
