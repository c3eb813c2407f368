package pipeline

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

// Cleaner removes pulled images from the local store, best effort.
type Cleaner struct {
	Store domain.ImageStore
	Force bool
	Log   logrus.FieldLogger
}

// RemoveAll attempts every ref independently. A ref that is already gone
// counts as removed. It returns true only when every ref is gone, plus the
// refs that could not be removed. Failures are logged, never returned.
func (c Cleaner) RemoveAll(ctx context.Context, refs []domain.ImageRef) (bool, []domain.ImageRef) {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	var (
		failed []domain.ImageRef
		merr   *multierror.Error
	)
	for _, ref := range refs {
		if err := c.remove(ctx, ref); err != nil {
			failed = append(failed, ref)
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		log.WithField("failed", len(failed)).Warnf("cleanup incomplete: %v", err)
	}
	return len(failed) == 0, failed
}

func (c Cleaner) remove(ctx context.Context, ref domain.ImageRef) error {
	exists, err := c.Store.Exists(ctx, ref)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", ref, err)
	}
	if !exists {
		return nil
	}
	removed, err := c.Store.Remove(ctx, ref, c.Force)
	if err != nil {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	if !removed {
		return fmt.Errorf("remove %s: image still present", ref)
	}
	return nil
}
