package mapper

import "fmt"

// Config enumerates the Mapper's immutable thresholds and budgets.
type Config struct {
	Stereo                bool    `attr:"stereo"`
	DoLocalMatching       bool    `attr:"do_local_matching"`
	MaxReprojectionError  float64 `attr:"max_reprojection_error"`
	MaxProjectionDistance float64 `attr:"max_projection_distance"`
	MaxDescriptorDistance float64 `attr:"max_descriptor_distance"`
	MaxNbKeypoints        int     `attr:"max_nb_keypoints"`
}

// Validate checks that c's thresholds are usable, returning the implied
// required and optional dependencies the way the teacher's own Config
// structs do (Validate(path string) ([]string, []string, error)). The
// Mapper's config names no other components, so both slices are always
// empty here.
func (c Config) Validate(path string) ([]string, []string, error) {
	if c.MaxNbKeypoints <= 0 {
		return nil, nil, fmt.Errorf("%s: max_nb_keypoints must be positive", path)
	}
	if c.MaxReprojectionError <= 0 {
		return nil, nil, fmt.Errorf("%s: max_reprojection_error must be positive", path)
	}
	if c.MaxProjectionDistance <= 0 {
		return nil, nil, fmt.Errorf("%s: max_projection_distance must be positive", path)
	}
	return nil, nil, nil
}

// DefaultConfig returns sane defaults for local testing.
func DefaultConfig() Config {
	return Config{
		DoLocalMatching:       true,
		MaxReprojectionError:  1.0,
		MaxProjectionDistance: 10,
		MaxDescriptorDistance: 50,
		MaxNbKeypoints:        200,
	}
}
