package engine

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func TestKillSwitch_LocalMode(t *testing.T) {
	ctx := context.Background()
	ks := NewKillSwitch(nil, zap.NewNop())

	if ks.IsSuspended("agent-1") {
		t.Fatal("fresh switch must not suspend anyone")
	}
	if err := ks.Init(ctx); err != nil {
		t.Fatalf("init without redis: %v", err)
	}

	for _, id := range []string{"agent-2", "agent-1"} {
		if err := ks.Suspend(ctx, id); err != nil {
			t.Fatalf("suspend %s: %v", id, err)
		}
	}
	if !ks.IsSuspended("agent-1") || !ks.IsSuspended("agent-2") {
		t.Fatal("suspended agents are not reported")
	}
	if ks.IsSuspended("") {
		t.Fatal("empty agent id is never suspended")
	}

	list, err := ks.Suspended(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want := []string{"agent-1", "agent-2"}; !reflect.DeepEqual(list, want) {
		t.Fatalf("list = %v, want %v", list, want)
	}

	if err := ks.Resume(ctx, "agent-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ks.IsSuspended("agent-1") {
		t.Fatal("resumed agent is still suspended")
	}
}

func TestKillSwitch_ApplySignal(t *testing.T) {
	ks := NewKillSwitch(nil, zap.NewNop())

	tests := []struct {
		payload   string
		agent     string
		suspended bool
	}{
		{"+a1", "a1", true},
		{"+a2", "a2", true},
		{"-a1", "a1", false},
		{"garbage", "garbage", false},
		{"+", "", false},
	}
	for _, tt := range tests {
		ks.apply(tt.payload)
		if got := ks.IsSuspended(tt.agent); got != tt.suspended {
			t.Errorf("after %q IsSuspended(%q) = %v, want %v", tt.payload, tt.agent, got, tt.suspended)
		}
	}
	if !ks.IsSuspended("a2") {
		t.Error("unrelated signal dropped a2")
	}
}
