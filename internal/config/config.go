package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"nutrioBack/internal/models"
)

const defaultConfigPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	JWT struct {
		Secret string `yaml:"secret"`
	} `yaml:"jwt"`
	AppStore struct {
		IssuerID       string `yaml:"issuer_id"`
		BundleID       string `yaml:"bundle_id"`
		KeyID          string `yaml:"key_id"`
		PrivateKeyFile string `yaml:"private_key_file"`
		PrivateKey     string `yaml:"-"`
		Sandbox        bool   `yaml:"sandbox"`
	} `yaml:"app_store"`
	GooglePlay struct {
		PackageName        string `yaml:"package_name"`
		ServiceAccountFile string `yaml:"service_account_file"`
	} `yaml:"google_play"`
	PostHog struct {
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"posthog"`
	Firebase struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firebase"`
	S3 struct {
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"-"`
		SecretKey string `yaml:"-"`
	} `yaml:"s3"`
	Sync struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"-"`
	} `yaml:"sync"`
	Products []models.Product `yaml:"products"`
}

// Load reads the yaml file named by CONFIG_PATH (config/config.yaml by
// default) and applies environment overrides. Secrets never live in the
// yaml file; they arrive via env only.
func Load() (Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	overrideString(&cfg.Database.DSN, "DSN")
	overrideString(&cfg.Redis.Addr, "REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	if err := overrideInt(&cfg.Redis.DB, "REDIS_DB"); err != nil {
		return Config{}, err
	}
	overrideString(&cfg.JWT.Secret, "JWT_SECRET")

	overrideString(&cfg.AppStore.IssuerID, "APPSTORE_ISSUER_ID")
	overrideString(&cfg.AppStore.BundleID, "APPSTORE_BUNDLE_ID")
	overrideString(&cfg.AppStore.KeyID, "APPSTORE_KEY_ID")
	overrideString(&cfg.AppStore.PrivateKey, "APPSTORE_PRIVATE_KEY")
	if err := overrideBool(&cfg.AppStore.Sandbox, "APPSTORE_SANDBOX"); err != nil {
		return Config{}, err
	}
	if cfg.AppStore.PrivateKey == "" && cfg.AppStore.PrivateKeyFile != "" {
		pem, err := os.ReadFile(cfg.AppStore.PrivateKeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("read app store key %s: %w", cfg.AppStore.PrivateKeyFile, err)
		}
		cfg.AppStore.PrivateKey = string(pem)
	}

	overrideString(&cfg.GooglePlay.PackageName, "GOOGLE_PACKAGE")
	overrideString(&cfg.GooglePlay.ServiceAccountFile, "GOOGLE_SA_JSON")

	overrideString(&cfg.PostHog.APIKey, "POSTHOG_API_KEY")
	overrideString(&cfg.PostHog.Endpoint, "POSTHOG_ENDPOINT")

	overrideString(&cfg.Firebase.CredentialsFile, "FIREBASE_CREDENTIALS_FILE")

	overrideString(&cfg.S3.Region, "AWS_REGION")
	overrideString(&cfg.S3.Bucket, "S3_BUCKET")
	overrideString(&cfg.S3.Endpoint, "S3_ENDPOINT")
	overrideString(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	overrideString(&cfg.S3.SecretKey, "S3_SECRET_KEY")

	overrideString(&cfg.Sync.URL, "SYNC_URL")
	overrideString(&cfg.Sync.Secret, "SYNC_SECRET")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn is required (DSN)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required (REDIS_ADDR)")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: jwt secret is required (JWT_SECRET)")
	}
	if c.AppStore.IssuerID == "" || c.AppStore.BundleID == "" || c.AppStore.KeyID == "" || c.AppStore.PrivateKey == "" {
		return fmt.Errorf("config: app store credentials are incomplete")
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("config: product catalog is empty")
	}
	for _, p := range c.Products {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

func overrideString(target *string, name string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func overrideInt(target *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*target = n
	return nil
}

func overrideBool(target *bool, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*target = b
	return nil
}
