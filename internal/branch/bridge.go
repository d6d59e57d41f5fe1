package branch

import (
	"context"

	"github.com/haasonsaas/chorus/pkg/models"
)

// BridgeInject adapts a branch's InjectChannel (chan string, fed by
// channel-reply routing and the SpawnBranch/InjectContext hook actions)
// into the chan models.Message shape toolloop.Options.InjectChannel
// expects. The returned channel is closed once ctx is cancelled or b's
// InjectChannel is closed; the caller-owned goroutine exits promptly in
// either case.
func BridgeInject(ctx context.Context, b *models.Branch) <-chan models.Message {
	out := make(chan models.Message, cap(b.InjectChannel))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-b.InjectChannel:
				if !ok {
					return
				}
				msg := models.Message{Role: models.RoleUser, Content: s}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
