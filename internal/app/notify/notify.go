// Package notify delivers outbox events to the notification webhook.
package notify

import (
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/util"
)

type Poster func(url, body, secret string) ([]byte, error)

type Dispatcher struct {
	db          *gorm.DB
	url         string
	secret      string
	batchSize   int
	maxAttempts int
	clock       clockwork.Clock
	post        Poster
}

func New(db *gorm.DB, url, secret string, batchSize, maxAttempts int, clock clockwork.Clock) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		db:          db,
		url:         url,
		secret:      secret,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		clock:       clock,
		post:        util.PostIMServer,
	}
}

// WithPoster replaces the http poster.
func (d *Dispatcher) WithPoster(p Poster) *Dispatcher {
	d.post = p
	return d
}

type event struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	UID       string          `json:"uid"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

type batch struct {
	Events []event `json:"events"`
}

// Deliver posts undelivered events batch by batch until the outbox is drained
// or a post fails. It returns how many events were delivered.
func (d *Dispatcher) Deliver() (int, error) {
	if d.url == "" {
		return 0, nil
	}
	delivered := 0
	for {
		es, err := dao.Outbox.ListUndelivered(d.db, d.maxAttempts, d.batchSize)
		if err != nil {
			return delivered, errors.Wrap(err, "list outbox")
		}
		if len(es) == 0 {
			return delivered, nil
		}
		if err = d.send(es); err != nil {
			return delivered, err
		}
		delivered += len(es)
		if len(es) < d.batchSize {
			return delivered, nil
		}
	}
}

func (d *Dispatcher) send(es []model.OutboxEvent) error {
	ids := make([]int64, 0, len(es))
	b := batch{Events: make([]event, 0, len(es))}
	for _, e := range es {
		ids = append(ids, e.ID)
		b.Events = append(b.Events, event{
			ID:        e.ID,
			Kind:      e.Kind,
			UID:       e.UID,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.Unix(),
		})
	}
	body, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "marshal outbox batch")
	}

	if _, err = d.post(d.url, string(body), d.secret); err != nil {
		if ierr := dao.Outbox.IncAttempts(d.db, ids); ierr != nil {
			log.Errorf("err: %+v", errors.Wrap(ierr, "count outbox attempts"))
		}
		return errors.WithMessagef(err, "post %d outbox events", len(es))
	}
	if err = dao.Outbox.MarkDelivered(d.db, ids, d.clock.Now().UTC()); err != nil {
		return errors.Wrap(err, "mark outbox delivered")
	}
	log.Debugf("delivered %d outbox events", len(es))
	return nil
}

// Run is the cron entry point.
func (d *Dispatcher) Run() {
	start := time.Now()
	n, err := d.Deliver()
	if err != nil {
		log.Errorf("err: %+v", err)
		return
	}
	if n > 0 {
		log.Infof("notify: %d events delivered in %s", n, time.Since(start))
	}
}
