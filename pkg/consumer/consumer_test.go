package consumer

import (
	"context"
	"reflect"
	"testing"

	"github.com/jittakal/kafeventledger/pkg/event"
)

func TestRegistry(t *testing.T) {
	calls := 0
	h := HandlerFunc(func(ctx context.Context, payload event.Payload) error {
		calls++
		return nil
	})

	source := map[string]Handler{
		"trade_settled":  h,
		"balance_update": h,
		"ignored":        nil,
	}
	reg := NewRegistry(source)

	// Mutating the source map must not leak into the registry.
	delete(source, "trade_settled")

	if got, want := reg.Topics(), []string{"balance_update", "trade_settled"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Topics() = %v, want %v", got, want)
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}

	got, ok := reg.Get("balance_update")
	if !ok {
		t.Fatal("Get(balance_update) not found")
	}
	if err := got.Handle(context.Background(), event.Payload{}); err != nil {
		t.Errorf("Handle() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	if _, ok := reg.Get("ignored"); ok {
		t.Error("nil handler should not be registered")
	}
	if _, ok := reg.Get("unknown"); ok {
		t.Error("Get(unknown) should not be found")
	}
}
