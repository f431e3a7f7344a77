package db

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	kv, err := New(MEMORY, "")
	if err != nil || kv == nil {
		t.Fatalf("cannot open memory store: %v", err)
	}

	if err = kv.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}

	if err = Close(context.Background(), kv); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if _, err = New("sqlite", ""); err == nil {
		t.Errorf("expected error for unknown database type")
	}

	if err = Close(context.Background(), nil); err != nil {
		t.Errorf("closing nil store should not fail: %v", err)
	}
}
