package reminder

import (
	"context"

	"library-backend/internal/circulation"
)

// Plan は dry-run 用。送信もフラグ更新もせず、次の Run で対象になるものを返す
type Plan struct {
	Reminders map[circulation.ReminderKind][]circulation.BorrowRecord `json:"reminders"`
	Expirable []circulation.Reservation                              `json:"expirable"`
}

func (s *Sweeper) Plan(ctx context.Context) (*Plan, error) {
	now := s.clock.Now()
	p := &Plan{Reminders: map[circulation.ReminderKind][]circulation.BorrowRecord{}}
	err := s.store.View(ctx, func(ctx context.Context, q circulation.Queries) error {
		for _, kind := range Kinds {
			records, err := q.DueForReminder(ctx, kind, now)
			if err != nil {
				return err
			}
			p.Reminders[kind] = records
		}
		var err error
		p.Expirable, err = q.ExpirableReservations(ctx, now.Add(-s.hold))
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
