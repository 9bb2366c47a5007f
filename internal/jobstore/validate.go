package jobstore

import (
	"errors"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/seawork/trawler/internal/shared/errdefs"
)

// ValidateJob checks the job spec's schema and its semantics: every
// phase that declares an image constraint must carry a syntactically
// valid version range satisfied by at least one supported image
// version. Free-form options are accepted from privileged callers only.
func (c *Client) ValidateJob(spec *JobSpec, privileged bool) error {
	if err := c.validate.Struct(spec); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return err
		}
		return errdefs.Validationf("invalid job specification: %v", err)
	}

	if len(spec.Options) > 0 && !privileged {
		return errdefs.Validationf("job options require membership in the operators group")
	}

	for i, phase := range spec.Phases {
		if phase.Image == "" {
			continue
		}
		constraint, err := semver.NewConstraint(phase.Image)
		if err != nil {
			return errdefs.Validationf("phase %d: invalid image constraint %q: %v", i, phase.Image, err)
		}
		if !c.imageSatisfies(constraint) {
			return errdefs.Validationf("phase %d: image constraint %q matches no supported image version", i, phase.Image)
		}
	}
	return nil
}

func (c *Client) imageSatisfies(constraint *semver.Constraints) bool {
	for _, img := range c.images {
		v, err := semver.NewVersion(img)
		if err != nil {
			continue
		}
		if constraint.Check(v) {
			return true
		}
	}
	return false
}
