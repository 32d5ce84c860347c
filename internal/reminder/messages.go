package reminder

import (
	"fmt"
	"math"
	"time"

	"library-backend/internal/circulation"
)

const signature = "\nLibrary Circulation Desk\n"

func copyInfo(r *circulation.BorrowRecord) string {
	if r.CopyNumber == nil {
		return ""
	}
	return fmt.Sprintf(" [%s]", *r.CopyNumber)
}

// wholeDays は経過日数の切り捨て（負にならない）
func wholeDays(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(math.Floor(d.Hours() / 24))
}

func message(kind circulation.ReminderKind, username string, r *circulation.BorrowRecord, now time.Time) (subject, body string) {
	borrowed := r.BorrowDate.Format("2006-01-02 15:04")
	due := r.DueDate.Format("2006-01-02")

	switch kind {
	case circulation.Reminder1Day:
		subject = fmt.Sprintf("[Library] Urgent: \"%s\" is due tomorrow", r.BookTitle)
		body = fmt.Sprintf(`Dear %s,

[Urgent] The book "%s"%s you borrowed is due tomorrow (%s).

Please return it before the due date. Late returns are recorded on your account.

Borrowed at: %s
Due date: %s
%s`, username, r.BookTitle, copyInfo(r), due, borrowed, due, signature)

	case circulation.ReminderOverdue:
		days := wholeDays(now.Sub(r.DueDate))
		subject = fmt.Sprintf("[Library] Overdue: \"%s\" is %d days overdue", r.BookTitle, days)
		body = fmt.Sprintf(`Dear %s,

The book "%s"%s you borrowed is %d days overdue.

Please return it as soon as possible.

Borrowed at: %s
Due date: %s
Days overdue: %d
%s`, username, r.BookTitle, copyInfo(r), days, borrowed, due, days, signature)

	default:
		days := wholeDays(r.DueDate.Sub(now))
		subject = fmt.Sprintf("[Library] \"%s\" is due soon", r.BookTitle)
		body = fmt.Sprintf(`Dear %s,

The book "%s"%s you borrowed is due on %s.

%d days left until the due date. Please return it in time.

Borrowed at: %s
Due date: %s
%s`, username, r.BookTitle, copyInfo(r), due, days, borrowed, due, signature)
	}
	return subject, body
}
