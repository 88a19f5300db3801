package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.ListenAddr = ":8088"
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	cfg.Journal.SQLitePath = "./toolproxy.db"

	cfg.Chaos.DefaultConfigPath = ""

	cfg.Stress.ProbeTimeoutMs = 10000
	cfg.Stress.InitializedWaitMs = 100

	cfg.Fanout.SubscriberQueueSize = 256

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}
