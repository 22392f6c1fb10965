package settlement

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/pkg/util"
)

// ExportColumns is the header record of a payout file.
var ExportColumns = []string{"settlement_id", "uid", "week_start", "grand_total", "status", "leaf"}

// Export writes the payout file of a finalized week, one settlement per line.
// An open week has no payout file.
func Export(tx *gorm.DB, weekStart time.Time, w io.Writer) (int, error) {
	weekStart = util.WeekStart(weekStart)
	if _, done, err := finalized(tx, weekStart); err != nil {
		return 0, err
	} else if !done {
		return 0, errors.Wrapf(ErrNotReady, "week %s is not finalized", weekStart.Format(util.WeekLayout))
	}
	rows, err := dao.Settlement.ListByWeek(tx, weekStart)
	if err != nil {
		return 0, errors.Wrap(err, "list settlements")
	}

	cw := csv.NewWriter(w)
	if err = cw.Write(ExportColumns); err != nil {
		return 0, errors.Wrap(err, "write header")
	}
	week := weekStart.Format(util.WeekLayout)
	for _, r := range rows {
		err = cw.Write([]string{strconv.FormatInt(r.ID, 10), r.UID, week,
			r.GrandTotal.StringFixed(6), r.Status, r.Leaf})
		if err != nil {
			return 0, errors.Wrapf(err, "write settlement %d", r.ID)
		}
	}
	cw.Flush()
	return len(rows), errors.Wrap(cw.Error(), "flush payout file")
}
