package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/hnourtel/PAPUD-LogAnomalyDetection/logad"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Corpus      CorpusConfig      `mapstructure:"corpus"`
	Window      WindowConfig      `mapstructure:"window"`
	Test        TestConfig        `mapstructure:"test"`
	Pretrain    PretrainConfig    `mapstructure:"pretrain"`
	Hypersphere HypersphereConfig `mapstructure:"hypersphere"`
	Encoder     EncoderConfig     `mapstructure:"encoder"`
	Vocab       VocabConfig       `mapstructure:"vocab"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CorpusConfig locates the corpus and controls file enumeration.
type CorpusConfig struct {
	Root       string `mapstructure:"root"`
	Name       string `mapstructure:"name"`
	Format     string `mapstructure:"format"`
	Shuffle    bool   `mapstructure:"shuffle"`
	Recursive  bool   `mapstructure:"recursive"`
	TypeFilter string `mapstructure:"typeFilter"`
}

// WindowConfig holds the windowing parameters of one dataset pass.
type WindowConfig struct {
	UnitSize         int  `mapstructure:"unitSize"`
	BatchSize        int  `mapstructure:"batchSize"`
	RenewRate        int  `mapstructure:"renewRate"`
	FlushPartial     bool `mapstructure:"flushPartial"`
	RemoveDuplicates bool `mapstructure:"removeDuplicates"`
}

// TestConfig is the windowing of the scoring pass plus its labels.
type TestConfig struct {
	WindowConfig `mapstructure:",squash"`
	RedteamFile  string `mapstructure:"redteamFile"`
}

// PretrainConfig controls the word-model stage that fits the encoders before
// calibration. The train windowing applies; dev is read whole, one batch per
// file.
type PretrainConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Epochs   int  `mapstructure:"epochs"`
	DevEvery int  `mapstructure:"devEvery"` // Batches between dev evaluations; 0 disables them
	Reuse    bool `mapstructure:"reuse"`    // Start from the latest stored pretrained encoders
}

// HypersphereConfig stores calibration parameters.
type HypersphereConfig struct {
	Nu             float64 `mapstructure:"nu"`
	Eps            float64 `mapstructure:"eps"`
	LossRepeat     int     `mapstructure:"lossRepeat"`
	BackpropWindow int     `mapstructure:"backpropWindow"`
	Epochs         int     `mapstructure:"epochs"`
	Workers        int     `mapstructure:"workers"`
	LogEvery       int     `mapstructure:"logEvery"`
	ReuseCenters   bool    `mapstructure:"reuseCenters"`
}

// EncoderConfig describes the per-position field encoder network.
type EncoderConfig struct {
	Provider      string  `mapstructure:"provider"`
	LineLength    int     `mapstructure:"lineLength"`
	EmbeddingSize int     `mapstructure:"embeddingSize"`
	HiddenSizes   []int   `mapstructure:"hiddenSizes"`
	LearningRate  float64 `mapstructure:"learningRate"`
	Seed          uint64  `mapstructure:"seed"`
}

// VocabConfig stores vocabulary construction settings.
type VocabConfig struct {
	MinOccurrence int    `mapstructure:"minOccurrence"`
	CachePath     string `mapstructure:"cachePath"`
}

// StoreConfig stores database connection details.
type StoreConfig struct {
	DSN       string `mapstructure:"dsn"`
	AuthToken string `mapstructure:"authToken"`
}

// LoggingConfig stores the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultAppName)
	v.AutomaticEnv()                                   // Read in environment variables that match
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // window.unitSize becomes LOGAD_WINDOW_UNITSIZE

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("corpus.root", ".")
	v.SetDefault("corpus.name", internal.DefaultCorpusName)
	v.SetDefault("corpus.format", internal.DefaultLineFormat)
	v.SetDefault("corpus.shuffle", false)
	v.SetDefault("corpus.recursive", false)
	v.SetDefault("corpus.typeFilter", "")

	v.SetDefault("window.unitSize", 1)
	v.SetDefault("window.batchSize", 32)
	v.SetDefault("window.renewRate", 0)
	v.SetDefault("window.flushPartial", true)
	v.SetDefault("window.removeDuplicates", false)

	v.SetDefault("test.unitSize", 1)
	v.SetDefault("test.batchSize", 128)
	v.SetDefault("test.renewRate", 1)
	v.SetDefault("test.flushPartial", false)
	v.SetDefault("test.removeDuplicates", false)
	v.SetDefault("test.redteamFile", "")

	v.SetDefault("pretrain.enabled", true)
	v.SetDefault("pretrain.epochs", 1)
	v.SetDefault("pretrain.devEvery", 200)
	v.SetDefault("pretrain.reuse", false)

	v.SetDefault("hypersphere.nu", 0.005)
	v.SetDefault("hypersphere.eps", 0.01)
	v.SetDefault("hypersphere.lossRepeat", 1000)
	v.SetDefault("hypersphere.backpropWindow", 50)
	v.SetDefault("hypersphere.epochs", 1)
	v.SetDefault("hypersphere.workers", 0)
	v.SetDefault("hypersphere.logEvery", 1000)
	v.SetDefault("hypersphere.reuseCenters", false)

	v.SetDefault("encoder.provider", "mlp")
	v.SetDefault("encoder.lineLength", 8)
	v.SetDefault("encoder.embeddingSize", 100)
	v.SetDefault("encoder.hiddenSizes", []int{1600, 800, 600})
	v.SetDefault("encoder.learningRate", 0.0001)
	v.SetDefault("encoder.seed", 1)

	v.SetDefault("vocab.minOccurrence", 10)
	v.SetDefault("vocab.cachePath", "")

	v.SetDefault("store.dsn", "file:"+internal.DefaultModelDBPath)
	v.SetDefault("store.authToken", "")
	v.SetDefault("logging.level", internal.DefaultLoggingLevel)
}

// Validate rejects parameter combinations the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := common.ValidateRequiredString(c.Corpus.Name, "corpus.name"); err != nil {
		return err
	}
	if err := c.Window.validate("window"); err != nil {
		return err
	}
	if err := c.Test.validate("test"); err != nil {
		return err
	}
	if p := c.Pretrain; p.Enabled && (p.Epochs <= 0 || p.DevEvery < 0) {
		return fmt.Errorf("%w: pretrain.epochs must be > 0 and pretrain.devEvery >= 0", common.ErrInvalidConfig)
	}

	h := c.Hypersphere
	switch {
	case h.Nu <= 0 || h.Nu > 1:
		return fmt.Errorf("%w: hypersphere.nu must be in (0, 1], got %g", common.ErrInvalidConfig, h.Nu)
	case h.Eps <= 0:
		return fmt.Errorf("%w: hypersphere.eps must be > 0", common.ErrInvalidConfig)
	case h.LossRepeat <= 0:
		return fmt.Errorf("%w: hypersphere.lossRepeat must be > 0", common.ErrInvalidConfig)
	case h.BackpropWindow <= 0:
		return fmt.Errorf("%w: hypersphere.backpropWindow must be > 0", common.ErrInvalidConfig)
	case h.Epochs <= 0:
		return fmt.Errorf("%w: hypersphere.epochs must be > 0", common.ErrInvalidConfig)
	}

	e := c.Encoder
	if e.LineLength < 2 {
		return fmt.Errorf("%w: encoder.lineLength must be >= 2", common.ErrInvalidConfig)
	}
	if e.EmbeddingSize <= 0 || len(e.HiddenSizes) == 0 {
		return fmt.Errorf("%w: encoder needs an embedding size and at least one hidden layer", common.ErrInvalidConfig)
	}
	for _, n := range e.HiddenSizes {
		if n <= 0 {
			return fmt.Errorf("%w: encoder.hiddenSizes must be positive", common.ErrInvalidConfig)
		}
	}
	return nil
}

func (w WindowConfig) validate(section string) error {
	switch {
	case w.UnitSize <= 0:
		return fmt.Errorf("%w: %s.unitSize must be > 0", common.ErrInvalidConfig, section)
	case w.BatchSize < 0:
		return fmt.Errorf("%w: %s.batchSize must be >= 0", common.ErrInvalidConfig, section)
	case w.RenewRate < 0:
		return fmt.Errorf("%w: %s.renewRate must be >= 0", common.ErrInvalidConfig, section)
	}
	return nil
}
