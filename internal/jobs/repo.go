package jobs

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrLostClaim means the job is no longer active under this owner.
	ErrLostClaim = errors.New("job claim lost")
	ErrBadStatus = errors.New("unknown job status")
)

type Repo struct {
	DB *gorm.DB
}

func (r *Repo) Create(ctx context.Context, j *Job) error {
	return r.DB.WithContext(ctx).Create(j).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := r.DB.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) List(ctx context.Context, status Status, limit int) ([]Job, error) {
	q := r.DB.WithContext(ctx).Model(&Job{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Job
	err := q.Order("seq desc").Limit(limit).Find(&out).Error
	return out, err
}

// Claim moves the oldest due waiting job to active for workerID. Returns nil
// when nothing is due. The conditional update is what makes a claim
// exclusive: a second claimer of the same row affects zero rows.
func (r *Repo) Claim(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	var claimed *Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate Job
		// SKIP LOCKED keeps concurrent replicas off the same row on Postgres;
		// SQLite ignores the locking clause.
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", StatusWaiting, now).
			Order("run_at asc, seq asc").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&Job{}).
			Where("seq = ? AND status = ?", candidate.Seq, StatusWaiting).
			Updates(map[string]any{
				"status":       StatusActive,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_by":    workerID,
				"locked_at":    now,
				"heartbeat_at": now,
				"stalled_at":   nil,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}

		var j Job
		if err := tx.Where("seq = ?", candidate.Seq).First(&j).Error; err != nil {
			return err
		}
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// NextRunAt returns the earliest run time among waiting and delayed jobs.
func (r *Repo) NextRunAt(ctx context.Context) (*time.Time, error) {
	var j Job
	err := r.DB.WithContext(ctx).
		Where("status IN ?", []Status{StatusWaiting, StatusDelayed}).
		Order("run_at asc").
		First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j.RunAt, nil
}

// owned scopes an update to the active claim held by j.LockedBy.
func (r *Repo) owned(ctx context.Context, j *Job) *gorm.DB {
	q := r.DB.WithContext(ctx).Model(&Job{}).Where("seq = ? AND status = ?", j.Seq, StatusActive)
	if j.LockedBy != nil {
		q = q.Where("locked_by = ?", *j.LockedBy)
	}
	return q
}

func (r *Repo) finishOwned(ctx context.Context, j *Job, fields map[string]any) error {
	res := r.owned(ctx, j).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLostClaim
	}
	return nil
}

func (r *Repo) MarkCompleted(ctx context.Context, j *Job, result Result, now time.Time) error {
	return r.finishOwned(ctx, j, map[string]any{
		"status":      StatusCompleted,
		"result":      datatypes.NewJSONType(result),
		"last_error":  "",
		"locked_by":   nil,
		"locked_at":   nil,
		"finished_at": now,
		"updated_at":  now,
	})
}

func (r *Repo) MarkFailed(ctx context.Context, j *Job, errMsg string, result Result, now time.Time) error {
	return r.finishOwned(ctx, j, map[string]any{
		"status":      StatusFailed,
		"result":      datatypes.NewJSONType(result),
		"last_error":  errMsg,
		"locked_by":   nil,
		"locked_at":   nil,
		"finished_at": now,
		"updated_at":  now,
	})
}

// RetryLater parks the job until runAt. The attempt it just used stays counted.
func (r *Repo) RetryLater(ctx context.Context, j *Job, runAt time.Time, errMsg string, now time.Time) error {
	return r.finishOwned(ctx, j, map[string]any{
		"status":     StatusDelayed,
		"run_at":     runAt,
		"last_error": errMsg,
		"locked_by":  nil,
		"locked_at":  nil,
		"updated_at": now,
	})
}

// Defer parks the job until runAt and gives back the attempt it used.
func (r *Repo) Defer(ctx context.Context, j *Job, runAt time.Time, reason string, now time.Time) error {
	return r.finishOwned(ctx, j, map[string]any{
		"status":     StatusDelayed,
		"run_at":     runAt,
		"attempts":   gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
		"last_error": reason,
		"locked_by":  nil,
		"locked_at":  nil,
		"updated_at": now,
	})
}

func (r *Repo) Touch(ctx context.Context, id string, now time.Time) error {
	return r.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Updates(map[string]any{"heartbeat_at": now, "stalled_at": nil}).Error
}

// PromoteDue moves delayed jobs whose run time has passed back to waiting.
func (r *Repo) PromoteDue(ctx context.Context, now time.Time) ([]Job, error) {
	var due []Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND run_at <= ?", StatusDelayed, now).
			Order("run_at asc, seq asc").Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		seqs := make([]uint64, len(due))
		for i := range due {
			seqs[i] = due[i].Seq
			due[i].Status = StatusWaiting
		}
		return tx.Model(&Job{}).
			Where("seq IN ? AND status = ?", seqs, StatusDelayed).
			Updates(map[string]any{"status": StatusWaiting, "updated_at": now}).Error
	})
	return due, err
}

// MarkStalled flags active jobs without a heartbeat since cutoff. Each stall
// is reported once; Touch clears the flag.
func (r *Repo) MarkStalled(ctx context.Context, cutoff, now time.Time) ([]Job, error) {
	var stalled []Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND stalled_at IS NULL AND heartbeat_at < ?", StatusActive, cutoff).
			Find(&stalled).Error; err != nil {
			return err
		}
		if len(stalled) == 0 {
			return nil
		}
		seqs := make([]uint64, len(stalled))
		for i := range stalled {
			seqs[i] = stalled[i].Seq
		}
		return tx.Model(&Job{}).Where("seq IN ?", seqs).Update("stalled_at", now).Error
	})
	return stalled, err
}

// RequeueOrphans returns active jobs locked before cutoff to waiting. No
// execution can legitimately outlive the hard timeout, so such a lock
// belongs to a crashed process.
func (r *Repo) RequeueOrphans(ctx context.Context, cutoff, now time.Time) ([]Job, error) {
	var orphans []Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND locked_at < ?", StatusActive, cutoff).Find(&orphans).Error; err != nil {
			return err
		}
		if len(orphans) == 0 {
			return nil
		}
		seqs := make([]uint64, len(orphans))
		for i := range orphans {
			seqs[i] = orphans[i].Seq
		}
		return tx.Model(&Job{}).
			Where("seq IN ? AND status = ?", seqs, StatusActive).
			Updates(map[string]any{
				"status":     StatusWaiting,
				"run_at":     now,
				"locked_by":  nil,
				"locked_at":  nil,
				"stalled_at": nil,
				"updated_at": now,
			}).Error
	})
	return orphans, err
}

// Prune keeps only the newest keep jobs in a terminal status.
func (r *Repo) Prune(ctx context.Context, status Status, keep int) (int64, error) {
	newest := r.DB.Model(&Job{}).
		Select("seq").
		Where("status = ?", status).
		Order("finished_at desc, seq desc").
		Limit(keep)
	res := r.DB.WithContext(ctx).
		Where("status = ? AND seq NOT IN (?)", status, newest).
		Delete(&Job{})
	return res.RowsAffected, res.Error
}

func (r *Repo) Counts(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		Count  int64
	}
	var rows []row
	if err := r.DB.WithContext(ctx).Model(&Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[Status]int64, len(rows))
	for _, rw := range rows {
		out[rw.Status] = rw.Count
	}
	return out, nil
}

func (r *Repo) LoadState(ctx context.Context, queue string) (QueueState, error) {
	st := QueueState{Queue: queue}
	err := r.DB.WithContext(ctx).Where("queue = ?", queue).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueState{Queue: queue}, nil
	}
	return st, err
}

func (r *Repo) SaveState(ctx context.Context, st QueueState) error {
	return r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&st).Error
}
