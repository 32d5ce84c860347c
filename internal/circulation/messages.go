package circulation

import (
	"fmt"
	"time"
)

const signature = "\nLibrary Circulation Desk\n"

// reservationAvailableMessage は予約者への「貸出可能になりました」通知
func reservationAvailableMessage(username, title string, reservedAt time.Time, hold time.Duration) (subject, body string) {
	subject = fmt.Sprintf("[Library] \"%s\" is now available for you", title)
	body = fmt.Sprintf(`Dear %s,

The book "%s" you reserved is now available. Please come and borrow it soon.

Reserved at: %s

Please borrow it within %d days of this notice, otherwise the reservation expires automatically.
%s`, username, title, reservedAt.Format("2006-01-02 15:04"), int(hold.Hours()/24), signature)
	return subject, body
}
