package circulation

import (
	"errors"
	"fmt"
	"net/http"
)

// DomainError はユーザーに返せるライフサイクルのエラー。発生時に状態は変わっていない
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is は Code が同じなら一致とみなす（メッセージ違いでも errors.Is(err, ErrNoCopyAvailable) が通る）
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

const (
	CodeAlreadyBorrowed = "ALREADY_BORROWED"
	CodeNoCopyAvailable = "NO_COPY_AVAILABLE"
	CodeAlreadyReserved = "ALREADY_RESERVED"
	CodeCopyAvailable   = "COPY_AVAILABLE"
	CodeNotAuthorized   = "NOT_AUTHORIZED"
	CodeInvalidState    = "INVALID_STATE"
	CodeRecordNotFound  = "RECORD_NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInternal        = "INTERNAL"
)

var (
	ErrAlreadyBorrowed = &DomainError{Code: CodeAlreadyBorrowed, Message: "you are already borrowing this book"}
	ErrNoCopyAvailable = &DomainError{Code: CodeNoCopyAvailable, Message: "no copy is available; reserve it instead"}
	ErrAlreadyReserved = &DomainError{Code: CodeAlreadyReserved, Message: "you already have a waiting reservation for this book"}
	ErrCopyAvailable   = &DomainError{Code: CodeCopyAvailable, Message: "a copy is available; borrow it directly"}
	ErrNotAuthorized   = &DomainError{Code: CodeNotAuthorized, Message: "this record belongs to another user"}
	ErrInvalidState    = &DomainError{Code: CodeInvalidState, Message: "operation not allowed in the current state"}
	ErrRecordNotFound  = &DomainError{Code: CodeRecordNotFound, Message: "record not found"}
)

func notFound(what string) error {
	return &DomainError{Code: CodeRecordNotFound, Message: what + " not found"}
}

func invalidState(msg string) error {
	return &DomainError{Code: CodeInvalidState, Message: msg}
}

func ToHTTPStatus(err error) int {
	var de *DomainError
	if errors.As(err, &de) {
		switch de.Code {
		case CodeRecordNotFound:
			return http.StatusNotFound
		case CodeNotAuthorized:
			return http.StatusForbidden
		case CodeAlreadyBorrowed, CodeNoCopyAvailable, CodeAlreadyReserved, CodeCopyAvailable, CodeInvalidState:
			return http.StatusConflict
		case CodeInvalidArgument:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}
