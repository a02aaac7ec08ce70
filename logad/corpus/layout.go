package corpus

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"github.com/rs/zerolog"
)

// Split names one of the corpus datasets.
type Split string

const (
	SplitTrain Split = "train"
	SplitDev   Split = "dev"
	SplitTest  Split = "test"
)

// Layout holds every path derived from the data root:
//
//	root/
//	  <name>_Corpus/{train,dev,test}/
//	  <name>_Model/
//	  <name>_Vocabulary.cache
type Layout struct {
	Root           string
	Name           string
	CorpusPath     string
	TrainPath      string
	DevPath        string
	TestPath       string
	ModelPath      string
	VocabularyPath string
}

// OpenLayout computes the layout and checks every directory. With create set,
// missing directories are created; otherwise they are configuration errors.
func OpenLayout(root, name string, create bool, logger zerolog.Logger) (*Layout, error) {
	if err := common.ValidateRequiredString(name, "corpus name"); err != nil {
		return nil, err
	}

	corpusPath := filepath.Join(root, name+"_Corpus")
	l := &Layout{
		Root:           root,
		Name:           name,
		CorpusPath:     corpusPath,
		TrainPath:      filepath.Join(corpusPath, string(SplitTrain)),
		DevPath:        filepath.Join(corpusPath, string(SplitDev)),
		TestPath:       filepath.Join(corpusPath, string(SplitTest)),
		ModelPath:      filepath.Join(root, name+"_Model"),
		VocabularyPath: filepath.Join(root, name+"_Vocabulary.cache"),
	}

	for _, dir := range []string{l.CorpusPath, l.TrainPath, l.DevPath, l.TestPath, l.ModelPath} {
		if err := ensureDir(dir, create, logger); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Path returns the directory of a split.
func (l *Layout) Path(split Split) (string, error) {
	switch split {
	case SplitTrain:
		return l.TrainPath, nil
	case SplitDev:
		return l.DevPath, nil
	case SplitTest:
		return l.TestPath, nil
	default:
		return "", fmt.Errorf("%w: unknown split %q", common.ErrInvalidConfig, split)
	}
}

func ensureDir(dir string, create bool, logger zerolog.Logger) error {
	err := common.ValidateDirectoryExists(dir)
	if err == nil {
		return nil
	}
	if create && os.IsNotExist(statErr(dir)) {
		logger.Info().Str("path", dir).Msg("Creating directory")
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return fmt.Errorf("failed to create %s: %w", dir, mkErr)
		}
		return nil
	}
	return fmt.Errorf("%w: not a valid corpus path: %w", common.ErrInvalidConfig, err)
}

func statErr(path string) error {
	_, err := os.Stat(path)
	return err
}
