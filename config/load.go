package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// HeadConfig groups everything needed to build and run a refinement head.
type HeadConfig struct {
	Head  *PartA2BboxHeadParams `json:"head" yaml:"head"`
	Train *TrainParams          `json:"train" yaml:"train"`
	Test  *TestParams           `json:"test" yaml:"test"`
	Conv  *ConvConfig           `json:"conv" yaml:"conv"`
}

func DefaultHeadConfig() *HeadConfig {
	head := *DefaultPartA2BboxHeadParams
	train := *DefaultTrainParams
	test := *DefaultTestParams
	conv := *DefaultConvConfig
	return &HeadConfig{
		Head:  &head,
		Train: &train,
		Test:  &test,
		Conv:  &conv,
	}
}

// ParseHeadConfig decodes a YAML document over the defaults. Keys missing
// from the document keep their default value.
func ParseHeadConfig(content []byte) (*HeadConfig, error) {
	cfg := DefaultHeadConfig()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, errors.Wrap(err, "decode head config")
	}
	for name, missing := range map[string]bool{"head": cfg.Head == nil, "train": cfg.Train == nil, "test": cfg.Test == nil} {
		if missing {
			return nil, errors.Wrapf(ErrInvalidParams, "%s section is empty", name)
		}
	}
	if cfg.Conv == nil {
		conv := *DefaultConvConfig
		cfg.Conv = &conv
	}
	if err := cfg.Head.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Train.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Test.ScoreThr.PerClass(cfg.Head.NumClasses); err != nil {
		return nil, errors.Wrap(err, "score_thr")
	}
	if _, err := cfg.Test.NMSThr.PerClass(cfg.Head.NumClasses); err != nil {
		return nil, errors.Wrap(err, "nms_thr")
	}
	return cfg, nil
}

func LoadHeadConfig(path string) (*HeadConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read head config %s", path)
	}
	return ParseHeadConfig(content)
}

func decodeEnum[T ~int](value *yaml.Node, mapper map[T]string, out *T) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	for k, v := range mapper {
		if v == name {
			*out = k
			return nil
		}
	}
	var raw int
	if err := value.Decode(&raw); err == nil {
		if _, ok := mapper[T(raw)]; ok {
			*out = T(raw)
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidParams, "unknown value %q", name)
}

func (m *KernelMapMode) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, KernelMapModeMapper, m)
}

func (k *CoderKind) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, CoderKindMapper, k)
}

func (k *ClsLossKind) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, ClsLossKindMapper, k)
}

func (k *RegLossKind) UnmarshalYAML(value *yaml.Node) error {
	return decodeEnum(value, RegLossKindMapper, k)
}
