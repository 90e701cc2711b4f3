package frontend

import "fmt"

// Config enumerates the Front-End's runtime-configurable thresholds, the
// way the teacher decodes component attributes into a typed Config struct.
type Config struct {
	UsePrior        bool    `attr:"use_prior"`
	Stereo          bool    `attr:"stereo"`
	InitialParallax float64 `attr:"initial_parallax"`
	PyramidLevels   int     `attr:"pyramid_levels"`
	PyramidSigma    float64 `attr:"pyramid_sigma"`
	WindowSize      int     `attr:"window_size"`
	MaxKLTDistance  float64 `attr:"max_ktl_distance"`
	MaxNbKeypoints  int     `attr:"max_nb_keypoints"`
}

// Validate checks that c's thresholds are usable, returning the implied
// required and optional dependencies the way the teacher's own Config
// structs do (Validate(path string) ([]string, []string, error)). The
// Front-End's config names no other components, so both slices are always
// empty here.
func (c Config) Validate(path string) ([]string, []string, error) {
	if c.MaxNbKeypoints <= 0 {
		return nil, nil, fmt.Errorf("%s: max_nb_keypoints must be positive", path)
	}
	if c.WindowSize <= 0 {
		return nil, nil, fmt.Errorf("%s: window_size must be positive", path)
	}
	if c.InitialParallax <= 0 {
		return nil, nil, fmt.Errorf("%s: initial_parallax must be positive", path)
	}
	return nil, nil, nil
}

// DefaultConfig returns sane defaults for local testing.
func DefaultConfig() Config {
	return Config{
		UsePrior:        true,
		InitialParallax: 20,
		PyramidLevels:   4,
		PyramidSigma:    1.0,
		WindowSize:      21,
		MaxKLTDistance:  2.0,
		MaxNbKeypoints:  200,
	}
}
