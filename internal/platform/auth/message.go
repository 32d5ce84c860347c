package auth

import "fmt"

func verificationMessage(username string, t *VerificationToken) (subject, body string) {
	subject = "[Library] Email verification code"
	body = fmt.Sprintf(`Dear %s,

Thank you for registering with the library.

Your verification code is: %s

The code is valid for 24 hours. You can also verify with this token: %s

If you did not create this account, please ignore this email.

Library Circulation Desk
`, username, t.Code, t.Token)
	return subject, body
}
