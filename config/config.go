package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN renders the pgx connection string for this database.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// StripeConfig carries the payment-processor credentials and the fixed
// charge currency. Onboarding URLs are where the processor sends the
// freelancer after (or mid-way through) connected-account onboarding.
type StripeConfig struct {
	SecretKey            string `yaml:"secret_key"`
	Currency             string `yaml:"currency"`
	OnboardingRefreshURL string `yaml:"onboarding_refresh_url"`
	OnboardingReturnURL  string `yaml:"onboarding_return_url"`
}

type UploadConfig struct {
	Dir string `yaml:"dir"`
}

type Config struct {
	DB      DBConfig     `yaml:"db"`
	Server  ServerConfig `yaml:"server"`
	JWT     JWTConfig    `yaml:"jwt"`
	Stripe  StripeConfig `yaml:"stripe"`
	Uploads UploadConfig `yaml:"uploads"`
}

// Load reads configuration from the YAML file at path (skipped when the file
// does not exist) and then applies environment overrides. The result is
// immutable for the life of the process; nothing else reads env vars.
func Load(path string) (*Config, error) {
	cfg := defaults()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// env-only deployment
	default:
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}

	overrideFromEnv(cfg)

	if cfg.Stripe.Currency == "" {
		cfg.Stripe.Currency = "usd"
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DB: DBConfig{
			Host: "127.0.0.1",
			Port: 5432,
			User: "postgres",
			Name: "escrowflow",
		},
		Server:  ServerConfig{Port: "8080"},
		Stripe:  StripeConfig{Currency: "usd"},
		Uploads: UploadConfig{Dir: "uploads"},
	}
}

func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	if key := os.Getenv("STRIPE_SECRET_KEY"); key != "" {
		cfg.Stripe.SecretKey = key
	}
	if cur := os.Getenv("ESCROW_CURRENCY"); cur != "" {
		cfg.Stripe.Currency = cur
	}
	if u := os.Getenv("STRIPE_ONBOARDING_REFRESH_URL"); u != "" {
		cfg.Stripe.OnboardingRefreshURL = u
	}
	if u := os.Getenv("STRIPE_ONBOARDING_RETURN_URL"); u != "" {
		cfg.Stripe.OnboardingReturnURL = u
	}

	if dir := os.Getenv("UPLOAD_DIR"); dir != "" {
		cfg.Uploads.Dir = dir
	}
}
