package fastmodel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/util/fileutil"
)

// TrainingConfig enumerates every option of the adapter, the optimizer schedule and the collator.
type TrainingConfig = backends.TrainingConfig

// Collator selects how examples are batched.
type Collator = backends.Collator

const (
	CollatorAuto   = backends.CollatorAuto
	CollatorText   = backends.CollatorText
	CollatorVision = backends.CollatorVision
)

// DefaultTrainingConfig returns the defaults used when no option overrides them.
func DefaultTrainingConfig() TrainingConfig {
	return backends.DefaultTrainingConfig()
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidateTrainingConfig checks every field against its constraints and reports all violations.
func ValidateTrainingConfig(config TrainingConfig) error {
	return validateStruct("training config", config)
}

func validateStruct(name string, value any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	errs := make([]error, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		errs = append(errs, fmt.Errorf("%s %s: failed %q constraint (value %v)", name, fieldErr.Namespace(), fieldErr.Tag(), fieldErr.Value()))
	}
	return errors.Join(errs...)
}

// LoadTrainingConfig reads a YAML or JSON training configuration on top of the defaults.
// Unknown keys are rejected.
func LoadTrainingConfig(path string) (TrainingConfig, error) {
	config := DefaultTrainingConfig()
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return config, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = DecodeTrainingConfigYAML(data, &config)
	case ".json":
		err = DecodeTrainingConfigJSON(data, &config)
	default:
		return config, fmt.Errorf("training config %s must be .yaml, .yml or .json", path)
	}
	if err != nil {
		return config, fmt.Errorf("decoding training config %s: %w", path, err)
	}
	return config, ValidateTrainingConfig(config)
}

// DecodeTrainingConfigYAML decodes data into config, keeping the values of keys not present.
func DecodeTrainingConfigYAML(data []byte, config *TrainingConfig) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DecodeTrainingConfigJSON decodes data into config, keeping the values of keys not present.
func DecodeTrainingConfigJSON(data []byte, config *TrainingConfig) error {
	decoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(config)
}
