package warn

import (
	log "github.com/sirupsen/logrus"

	"affiliate-engine/internal/pkg/metrics"
)

func Must(desc string, err error) error {
	if err != nil {
		log.Errorf("%s failed: %v", desc, err)
	}
	return err
}

// Invariant logs an accounting invariant violation loudly and counts it.
func Invariant(desc string, err error) error {
	if err != nil {
		metrics.InvariantViolations.WithLabelValues(desc).Inc()
		log.WithField("invariant", desc).Errorf("INVARIANT VIOLATION: %+v", err)
	}
	return err
}
