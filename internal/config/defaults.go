package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Env:      "development",
			LogLevel: "info",
			DataDir:  "~/.omnimap",
		},
		Telegram: TelegramConfig{
			ParseMode: "Markdown",
			Mode:      "polling",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			WebhookPath: "/api/tg",
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			Path:     "~/.omnimap/omnimap.db",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			FlowTTLMin: 30,
		},
		OpenAI: OpenAIConfig{
			APIBase:         "https://api.openai.com/v1",
			Model:           "gpt-4o-mini",
			TranscribeModel: "gpt-4o-transcribe",
			MaxVisionFrames: 6,
		},
		Places: PlacesConfig{
			Endpoint: "https://places.googleapis.com/v1",
			Region:   "SG",
			Language: "en",
		},
		Media: MediaConfig{
			ScratchDir:         "~/.omnimap/tmp",
			Chrome:             true,
			Headless:           true,
			FFmpeg:             "ffmpeg",
			FPS:                1,
			MaxFrames:          6,
			RequestsPerSecond:  1,
			Burst:              2,
			HTTPTimeoutSeconds: 120,
		},
		Pipeline: PipelineConfig{
			MaxCandidates: 8,
			MaxLines:      6,
		},
		Worker: WorkerConfig{
			IntervalSeconds: 5,
			BatchSize:       10,
			LockFile:        "~/.omnimap/worker.lock",
		},
	}
}
