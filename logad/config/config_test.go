package config

import (
	"os"
	"path/filepath"
	"testing"

	internal "github.com/hnourtel/PAPUD-LogAnomalyDetection/logad"
	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	tempDir, err := os.MkdirTemp("", "logad-config-test-*")
	require.NoError(suite.T(), err)
	suite.tempDir = tempDir

	// Change to temp directory so no stray config.yaml is picked up
	err = os.Chdir(tempDir)
	require.NoError(suite.T(), err)
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
	if suite.tempDir != "" {
		os.RemoveAll(suite.tempDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(content string) string {
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte(content), 0o644)
	require.NoError(suite.T(), err)
	return configFile
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultCorpusName, cfg.Corpus.Name)
	assert.Equal(suite.T(), 1, cfg.Window.UnitSize)
	assert.Equal(suite.T(), 32, cfg.Window.BatchSize)
	assert.Equal(suite.T(), 0, cfg.Window.RenewRate)
	assert.True(suite.T(), cfg.Window.FlushPartial)
	assert.False(suite.T(), cfg.Window.RemoveDuplicates)

	assert.Equal(suite.T(), 128, cfg.Test.BatchSize)
	assert.Equal(suite.T(), 1, cfg.Test.RenewRate)
	assert.False(suite.T(), cfg.Test.FlushPartial)

	assert.InDelta(suite.T(), 0.005, cfg.Hypersphere.Nu, 1e-12)
	assert.InDelta(suite.T(), 0.01, cfg.Hypersphere.Eps, 1e-12)
	assert.Equal(suite.T(), 1000, cfg.Hypersphere.LossRepeat)
	assert.Equal(suite.T(), 50, cfg.Hypersphere.BackpropWindow)

	assert.Equal(suite.T(), 8, cfg.Encoder.LineLength)
	assert.Equal(suite.T(), []int{1600, 800, 600}, cfg.Encoder.HiddenSizes)
	assert.Equal(suite.T(), 10, cfg.Vocab.MinOccurrence)
	assert.Equal(suite.T(), "file:"+internal.DefaultModelDBPath, cfg.Store.DSN)
	assert.Empty(suite.T(), cfg.Store.AuthToken)
	assert.Equal(suite.T(), "mlp", cfg.Encoder.Provider)
	assert.False(suite.T(), cfg.Hypersphere.ReuseCenters)

	assert.True(suite.T(), cfg.Pretrain.Enabled)
	assert.Equal(suite.T(), 1, cfg.Pretrain.Epochs)
	assert.Equal(suite.T(), 200, cfg.Pretrain.DevEvery)
	assert.False(suite.T(), cfg.Pretrain.Reuse)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configFile := suite.writeConfig(`
corpus:
  root: "./data"
  name: "lanl"
  shuffle: true
  typeFilter: "gz"
window:
  unitSize: 4
  batchSize: 16
  renewRate: 2
  flushPartial: false
  removeDuplicates: true
test:
  batchSize: 64
  redteamFile: "./data/redteam.txt"
pretrain:
  epochs: 3
  devEvery: 50
  reuse: true
hypersphere:
  nu: 0.05
  backpropWindow: 10
  reuseCenters: true
encoder:
  provider: hash
  hiddenSizes: [32, 16]
store:
  dsn: "libsql://models.example.org"
  authToken: "secret"
`)

	cfg, err := LoadConfig(configFile)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "./data", cfg.Corpus.Root)
	assert.True(suite.T(), cfg.Corpus.Shuffle)
	assert.Equal(suite.T(), "gz", cfg.Corpus.TypeFilter)
	assert.Equal(suite.T(), 4, cfg.Window.UnitSize)
	assert.Equal(suite.T(), 16, cfg.Window.BatchSize)
	assert.Equal(suite.T(), 2, cfg.Window.RenewRate)
	assert.False(suite.T(), cfg.Window.FlushPartial)
	assert.True(suite.T(), cfg.Window.RemoveDuplicates)
	assert.Equal(suite.T(), "./data/redteam.txt", cfg.Test.RedteamFile)
	assert.Equal(suite.T(), 64, cfg.Test.BatchSize)
	assert.Equal(suite.T(), 3, cfg.Pretrain.Epochs)
	assert.Equal(suite.T(), 50, cfg.Pretrain.DevEvery)
	assert.True(suite.T(), cfg.Pretrain.Reuse)
	assert.InDelta(suite.T(), 0.05, cfg.Hypersphere.Nu, 1e-12)
	assert.Equal(suite.T(), 10, cfg.Hypersphere.BackpropWindow)
	assert.Equal(suite.T(), []int{32, 16}, cfg.Encoder.HiddenSizes)
	assert.True(suite.T(), cfg.Hypersphere.ReuseCenters)
	assert.Equal(suite.T(), "hash", cfg.Encoder.Provider)
	assert.Equal(suite.T(), "libsql://models.example.org", cfg.Store.DSN)
	assert.Equal(suite.T(), "secret", cfg.Store.AuthToken)
}

func (suite *ConfigTestSuite) TestEnvironmentOverride() {
	suite.T().Setenv("LOGAD_WINDOW_UNITSIZE", "7")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 7, cfg.Window.UnitSize)
}

func (suite *ConfigTestSuite) TestInvalidValuesRejected() {
	cases := map[string]string{
		"unit size": "window:\n  unitSize: 0\n",
		"nu":        "hypersphere:\n  nu: 1.5\n",
		"eps":       "hypersphere:\n  eps: 0\n",
		"renew":     "test:\n  renewRate: -1\n",
		"hidden":    "encoder:\n  hiddenSizes: [8, 0]\n",
		"pretrain":  "pretrain:\n  epochs: 0\n",
	}
	for name, content := range cases {
		suite.Run(name, func() {
			_, err := LoadConfig(suite.writeConfig(content))
			assert.ErrorIs(suite.T(), err, common.ErrInvalidConfig)
		})
	}
}

func (suite *ConfigTestSuite) TestLabelsOnlyInTestSection() {
	_, err := LoadConfig(suite.writeConfig("window:\n  redteamFile: labels.txt\n"))
	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "redteamfile")

	_, err = LoadConfig(suite.writeConfig("windw:\n  unitSize: 3\n"))
	assert.Error(suite.T(), err, "unknown sections are reported")
}

func (suite *ConfigTestSuite) TestDisabledPretrainSkipsValidation() {
	cfg, err := LoadConfig(suite.writeConfig("pretrain:\n  enabled: false\n  epochs: 0\n"))
	require.NoError(suite.T(), err)
	assert.False(suite.T(), cfg.Pretrain.Enabled)
}

func (suite *ConfigTestSuite) TestMalformedFile() {
	_, err := LoadConfig(suite.writeConfig("window: [unterminated"))
	assert.Error(suite.T(), err)
}
