package branch

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/chorus/pkg/models"
)

func TestBridgeInjectForwardsAsMessages(t *testing.T) {
	b := models.NewBranch(1, "alice", "hi", false, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := BridgeInject(ctx, b)
	b.InjectChannel <- "hello from the user"

	select {
	case msg := <-out:
		if msg.Role != models.RoleUser || msg.Content != "hello from the user" {
			t.Fatalf("unexpected bridged message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a bridged message")
	}
}

func TestBridgeInjectStopsOnContextCancel(t *testing.T) {
	b := models.NewBranch(1, "alice", "hi", false, time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	out := BridgeInject(ctx, b)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected out to be closed, not to deliver a message")
		}
	case <-time.After(time.Second):
		t.Fatal("expected out to close after context cancellation")
	}
}
