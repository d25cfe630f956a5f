package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Identity: IdentityConfig{},
		Server: ServerConfig{
			APIBase:               "http://localhost:8080",
			FeedURL:               "ws://localhost:8080/ws",
			RequestTimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			SendTimeoutSeconds: 10,
			PageSize:           50,
			WindowCap:          500,
			TypingTTLSeconds:   2,
		},
		Queue: QueueConfig{
			DBPath: "~/.chatsync/outbox.db",
		},
		Timeline: TimelineConfig{
			ViewportHeight: 720,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9091",
			Endpoint: "/metrics",
		},
		Bridge: BridgeConfig{
			Telegram: TelegramBridgeConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
	}
}
