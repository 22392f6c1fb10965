// Package tree is the binary tree store: fixed placements plus per-node leg volumes.
package tree

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/warn"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
)

var (
	ErrNegativeVolume   = errors.New("leg volume would become negative")
	ErrConcurrentUpdate = errors.New("tree aggregate changed concurrently")
	ErrInvalidLeg       = errors.New("leg must be left or right")
	ErrInvalidAmount    = errors.New("volume amount must be positive")
	ErrSlotTaken        = errors.New("placement slot already taken")
	ErrUnknownParent    = errors.New("placement parent does not exist")
	ErrUnknownSponsor   = errors.New("sponsor does not exist")
	ErrUserExists       = errors.New("user already placed")
)

type Store struct {
	tieLeg string
}

func New(cfg config.TreeConf) *Store {
	tie := cfg.TieLeg
	if tie == "" {
		tie = model.LegLeft
	}
	return &Store{tieLeg: tie}
}

func validLeg(leg string) bool {
	return leg == model.LegLeft || leg == model.LegRight
}

// WeakLeg is the leg with less volume; ties go to the configured leg.
func (s *Store) WeakLeg(agg model.TreeAggregate) string {
	switch agg.LeftVolume.Cmp(agg.RightVolume) {
	case -1:
		return model.LegLeft
	case 1:
		return model.LegRight
	}
	return s.tieLeg
}

func (s *Store) Get(tx *gorm.DB, uid string) (model.TreeAggregate, error) {
	return dao.Tree.Get(tx, uid)
}

func (s *Store) GetWeakLeg(tx *gorm.DB, uid string) (string, error) {
	agg, err := dao.Tree.Get(tx, uid)
	if err != nil {
		return "", errors.Wrapf(err, "get aggregate %s", uid)
	}
	return s.WeakLeg(agg), nil
}

// mutate is the single update path for an aggregate row. The weak leg is refreshed
// in the same versioned write as the volumes.
func (s *Store) mutate(tx *gorm.DB, uid string, fn func(agg *model.TreeAggregate) error) error {
	agg, err := dao.Tree.Get(tx, uid)
	if err != nil {
		return errors.Wrapf(err, "get aggregate %s", uid)
	}
	if err = fn(&agg); err != nil {
		return err
	}
	agg.WeakLeg = s.WeakLeg(agg)
	ok, err := dao.Tree.UpdateVersioned(tx, agg)
	if err != nil {
		return errors.Wrapf(err, "update aggregate %s", uid)
	}
	if !ok {
		return errors.Wrapf(ErrConcurrentUpdate, "uid %s version %d", uid, agg.Version)
	}
	return nil
}

// AddVolume adds amount to one leg of uid only. Ancestors are the caller's concern.
func (s *Store) AddVolume(tx *gorm.DB, uid, leg string, amount decimal.Decimal) error {
	if !validLeg(leg) {
		return errors.Wrapf(ErrInvalidLeg, "got %q", leg)
	}
	if !amount.IsPositive() {
		return errors.Wrapf(ErrInvalidAmount, "got %s", amount)
	}
	return s.mutate(tx, uid, func(agg *model.TreeAggregate) error {
		if leg == model.LegLeft {
			agg.LeftVolume = agg.LeftVolume.Add(amount)
		} else {
			agg.RightVolume = agg.RightVolume.Add(amount)
		}
		return nil
	})
}

// RemoveVolume is the exact inverse of AddVolume. A result below zero is refused,
// never clamped: it means a grant was expired twice or booked wrong.
func (s *Store) RemoveVolume(tx *gorm.DB, uid, leg string, amount decimal.Decimal) error {
	if !validLeg(leg) {
		return errors.Wrapf(ErrInvalidLeg, "got %q", leg)
	}
	if !amount.IsPositive() {
		return errors.Wrapf(ErrInvalidAmount, "got %s", amount)
	}
	return s.mutate(tx, uid, func(agg *model.TreeAggregate) error {
		cur := agg.LeftVolume
		if leg == model.LegRight {
			cur = agg.RightVolume
		}
		next := cur.Sub(amount)
		if next.IsNegative() {
			return warn.Invariant("remove_volume", errors.Wrapf(ErrNegativeVolume,
				"uid %s leg %s has %s, removing %s", uid, leg, cur, amount))
		}
		if leg == model.LegLeft {
			agg.LeftVolume = next
		} else {
			agg.RightVolume = next
		}
		return nil
	})
}

// MarkMatched advances the binary watermark by volume.
func (s *Store) MarkMatched(tx *gorm.DB, uid string, volume decimal.Decimal) error {
	if volume.IsZero() {
		return nil
	}
	return s.mutate(tx, uid, func(agg *model.TreeAggregate) error {
		agg.MatchedVolume = agg.MatchedVolume.Add(volume)
		return nil
	})
}

// PropagateVolume credits amount to every sponsor ancestor of uid, on the leg of
// that ancestor's placement subtree the purchaser sits in. Spillover parents
// outside the sponsor lineage get nothing, and a sponsor the purchaser was not
// placed under has no leg to credit.
func (s *Store) PropagateVolume(tx *gorm.DB, uid string, amount decimal.Decimal) error {
	sponsors, err := dao.User.SponsorChain(tx, uid, 0)
	if err != nil {
		return errors.Wrapf(err, "sponsor chain %s", uid)
	}
	if len(sponsors) == 0 {
		return nil
	}
	steps, err := dao.User.PlacementChain(tx, uid)
	if err != nil {
		return errors.Wrapf(err, "placement chain %s", uid)
	}
	legs := make(map[string]string, len(steps))
	for _, step := range steps {
		legs[step.UID] = step.Leg
	}
	for _, sp := range sponsors {
		leg, ok := legs[sp.UID]
		if !ok {
			log.Debugf("sponsor %s of %s is not a placement ancestor, no volume", sp.UID, uid)
			continue
		}
		if err = s.AddVolume(tx, sp.UID, leg, amount); err != nil {
			return errors.WithMessagef(err, "propagate to %s", sp.UID)
		}
	}
	return nil
}

// Place creates the user node and its aggregate and bumps member counts on every
// placement ancestor. Without an explicit parent the node spills over below the
// sponsor along the sponsor's default leg.
func (s *Store) Place(tx *gorm.DB, u model.User) (model.User, error) {
	if _, err := dao.User.Get(tx, u.UID); err == nil {
		return u, errors.Wrapf(ErrUserExists, "uid %s", u.UID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return u, errors.Wrap(err, "get user")
	}
	if u.DefaultLeg == "" {
		u.DefaultLeg = s.tieLeg
	}
	if !validLeg(u.DefaultLeg) {
		return u, errors.Wrapf(ErrInvalidLeg, "default leg %q", u.DefaultLeg)
	}

	var sponsor model.User
	if u.SponsorUID != "" {
		var err error
		sponsor, err = dao.User.Get(tx, u.SponsorUID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return u, errors.Wrapf(ErrUnknownSponsor, "sponsor %s", u.SponsorUID)
		}
		if err != nil {
			return u, errors.Wrap(err, "get sponsor")
		}
	}

	switch {
	case u.ParentUID != "":
		if _, err := dao.User.Get(tx, u.ParentUID); errors.Is(err, gorm.ErrRecordNotFound) {
			return u, errors.Wrapf(ErrUnknownParent, "parent %s", u.ParentUID)
		} else if err != nil {
			return u, errors.Wrap(err, "get parent")
		}
		if !validLeg(u.Slot) {
			return u, errors.Wrapf(ErrInvalidLeg, "slot %q", u.Slot)
		}
		_, taken, err := dao.User.ChildAt(tx, u.ParentUID, u.Slot)
		if err != nil {
			return u, errors.Wrap(err, "check slot")
		}
		if taken {
			return u, errors.Wrapf(ErrSlotTaken, "parent %s slot %s", u.ParentUID, u.Slot)
		}
	case u.SponsorUID != "":
		parent, slot, err := s.spillover(tx, sponsor)
		if err != nil {
			return u, err
		}
		u.ParentUID, u.Slot = parent, slot
	default:
		u.Slot = ""
	}

	created, err := dao.User.Create(tx, u)
	if err != nil {
		return u, errors.Wrap(err, "create user")
	}
	if !created {
		return u, errors.Wrapf(ErrUserExists, "uid %s", u.UID)
	}
	err = dao.Tree.Create(tx, model.TreeAggregate{
		UID:           u.UID,
		LeftVolume:    decimal.Zero,
		RightVolume:   decimal.Zero,
		MatchedVolume: decimal.Zero,
		WeakLeg:       s.tieLeg,
	})
	if err != nil {
		return u, errors.Wrap(err, "create aggregate")
	}

	steps, err := dao.User.PlacementChain(tx, u.UID)
	if err != nil {
		return u, errors.Wrap(err, "placement chain")
	}
	for _, step := range steps {
		leg := step.Leg
		err = s.mutate(tx, step.UID, func(agg *model.TreeAggregate) error {
			if leg == model.LegLeft {
				agg.LeftMembers++
			} else {
				agg.RightMembers++
			}
			return nil
		})
		if err != nil {
			return u, errors.WithMessagef(err, "count member at %s", step.UID)
		}
	}
	log.Debugf("placed %s under %s/%s (sponsor %s)", u.UID, u.ParentUID, u.Slot, u.SponsorUID)
	return u, nil
}

// spillover walks down the sponsor's default leg to the first free slot.
func (s *Store) spillover(tx *gorm.DB, sponsor model.User) (parent, slot string, err error) {
	leg := sponsor.DefaultLeg
	if !validLeg(leg) {
		leg = s.tieLeg
	}
	cur := sponsor.UID
	seen := map[string]bool{}
	for {
		if seen[cur] {
			return "", "", errors.Errorf("dirty user data cause circle in placement, uid: %s", cur)
		}
		seen[cur] = true
		child, found, err := dao.User.ChildAt(tx, cur, leg)
		if err != nil {
			return "", "", errors.Wrap(err, "spillover")
		}
		if !found {
			return cur, leg, nil
		}
		cur = child
	}
}
