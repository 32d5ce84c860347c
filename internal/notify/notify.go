// Package notify は貸出・予約の処理と実際の配送手段（本番は SMTP）の間の約束事
package notify

import (
	"context"
	"time"
)

// Recipient はアカウントのうち宛先になる部分
type Recipient struct {
	UserID   int64
	Username string
	Email    string
}

// Notifier は1通送る。届いたときだけ true
type Notifier interface {
	Notify(ctx context.Context, to Recipient, subject, body string) bool
}

// NotifierFunc は関数を Notifier として使うためのアダプタ
type NotifierFunc func(ctx context.Context, to Recipient, subject, body string) bool

func (f NotifierFunc) Notify(ctx context.Context, to Recipient, subject, body string) bool {
	return f(ctx, to, subject, body)
}

// Deliver は timeout を期限に n を呼ぶ。panic・false・期限切れはどれも未配送扱い
func Deliver(ctx context.Context, n Notifier, timeout time.Duration, to Recipient, subject, body string) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan bool, 1)
	go func() {
		ok := false
		defer func() {
			_ = recover()
			done <- ok
		}()
		ok = n.Notify(ctx, to, subject, body)
	}()

	select {
	case ok := <-done:
		// 期限切れと同時に true が返ってきても配信済みとは扱わない
		return ok && ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}
