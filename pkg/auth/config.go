package auth

// ProviderConfig contains webhook and app credentials for the GitHub App.
type ProviderConfig struct {
	Path   string `yaml:"webhook_path"`
	Secret string `yaml:"webhook_secret"`

	AppID          int64  `yaml:"app_id"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`

	BaseURL string `yaml:"base_url"`
	// DebugEvents logs raw webhook bodies.
	DebugEvents bool `yaml:"debug_events"`
}

// HasAppCredentials reports whether an app id and a private key source are set.
func (c ProviderConfig) HasAppCredentials() bool {
	return c.AppID != 0 && (c.PrivateKey != "" || c.PrivateKeyPath != "")
}
