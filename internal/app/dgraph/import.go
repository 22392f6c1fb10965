package dgraph

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"affiliate-engine/internal/app/tree"
	"affiliate-engine/internal/model"
)

type Registrar interface {
	RegisterUser(u model.User) (model.User, error)
}

// Import places every referral in sponsor order. Users already placed are
// skipped, so an interrupted import can simply run again.
func Import(r Registrar, refs []Referral) (placed, skipped int, err error) {
	ordered, err := Order(refs)
	if err != nil {
		return 0, 0, err
	}
	for _, ref := range ordered {
		_, err = r.RegisterUser(model.User{UID: ref.UID, SponsorUID: ref.Sponsor})
		if errors.Is(err, tree.ErrUserExists) {
			skipped++
			continue
		}
		if err != nil {
			return placed, skipped, errors.WithMessagef(err, "place %s under %s", ref.UID, ref.Sponsor)
		}
		placed++
		if placed%1000 == 0 {
			log.Infof("imported %d users", placed)
		}
	}
	return placed, skipped, nil
}
