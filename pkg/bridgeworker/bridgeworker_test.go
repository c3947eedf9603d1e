package bridgeworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/adapter/adaptertest"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/supervise"
)

func newRegistry(t *testing.T) (*Registry, *adapter.Registry) {
	t.Helper()
	adapters := adapter.NewRegistry()
	sup := supervise.New(supervise.Config{
		Name:      "bridges",
		Intensity: supervise.Intensity{MaxRestarts: 6, Window: 30 * time.Second},
		Log:       zerolog.Nop(),
	})
	t.Cleanup(sup.Stop)
	return NewRegistry(Deps{Adapters: adapters, Supervisor: sup, Log: zerolog.Nop()}), adapters
}

func registerFake(adapters *adapter.Registry, listeners ...adapter.ListenerSpec) {
	adapters.Register("fake", func(cfg *model.BridgeConfig, log zerolog.Logger) (adapter.Adapter, error) {
		fake := adaptertest.New()
		fake.Listeners = listeners
		return fake, nil
	})
}

func TestApplyStartsWorker(t *testing.T) {
	r, adapters := newRegistry(t)
	registerFake(adapters)

	cfg := &model.BridgeConfig{ID: "bridge_tg", Adapter: "fake", Enabled: true, Revision: 1}
	if err := r.Apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ad, err := r.Adapter("bridge_tg")
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if ad.ChannelType() != "fake" {
		t.Fatalf("channel = %s", ad.ChannelType())
	}
	health, err := r.Health("bridge_tg")
	if err != nil || !health.Enabled || health.Revision != 1 {
		t.Fatalf("health = %+v err=%v", health, err)
	}
}

func TestAdapterErrors(t *testing.T) {
	r, adapters := newRegistry(t)
	registerFake(adapters)

	if _, err := r.Adapter("missing"); !errors.Is(err, model.ErrBridgeNotFound) {
		t.Fatalf("missing: %v", err)
	}

	cfg := &model.BridgeConfig{ID: "bridge_off", Adapter: "fake", Enabled: false, Revision: 1}
	if err := r.Apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := r.Adapter("bridge_off"); !errors.Is(err, model.ErrBridgeDisabled) {
		t.Fatalf("disabled: %v", err)
	}
}

func TestRevisionOnlyUpdateKeepsAdapter(t *testing.T) {
	r, adapters := newRegistry(t)
	registerFake(adapters)

	if err := r.Apply(&model.BridgeConfig{ID: "b", Adapter: "fake", Enabled: true, Revision: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, _ := r.Adapter("b")

	if err := r.Apply(&model.BridgeConfig{ID: "b", Adapter: "fake", Enabled: true, Revision: 2}); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	second, _ := r.Adapter("b")
	if first != second {
		t.Fatalf("revision-only update replaced the adapter instance")
	}
	health, _ := r.Health("b")
	if health.Revision != 2 {
		t.Fatalf("revision = %d", health.Revision)
	}
}

func TestCredentialChangeRestartsAdapter(t *testing.T) {
	r, adapters := newRegistry(t)
	registerFake(adapters)

	if err := r.Apply(&model.BridgeConfig{
		ID: "b", Adapter: "fake", Enabled: true, Revision: 1,
		Credentials: map[string]string{"token": "old"},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, _ := r.Adapter("b")

	if err := r.Apply(&model.BridgeConfig{
		ID: "b", Adapter: "fake", Enabled: true, Revision: 2,
		Credentials: map[string]string{"token": "new"},
	}); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	second, _ := r.Adapter("b")
	if first == second {
		t.Fatalf("credential change kept the old adapter instance")
	}
}

func TestListenerChildrenSupervised(t *testing.T) {
	started := make(chan struct{}, 1)
	r, adapters := newRegistry(t)
	registerFake(adapters, adapter.ListenerSpec{
		Name: "poller",
		Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return nil
		},
	})

	if err := r.Apply(&model.BridgeConfig{ID: "b", Adapter: "fake", Enabled: true, Revision: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("listener never started")
	}
	health, _ := r.Health("b")
	if health.ListenerCount != 1 {
		t.Fatalf("listener count = %d", health.ListenerCount)
	}
	r.Remove("b")
	if _, err := r.Adapter("b"); !errors.Is(err, model.ErrBridgeNotFound) {
		t.Fatalf("removed bridge still resolves")
	}
}

func TestMarks(t *testing.T) {
	r, adapters := newRegistry(t)
	registerFake(adapters)
	if err := r.Apply(&model.BridgeConfig{ID: "b", Adapter: "fake", Enabled: true, Revision: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	r.MarkIngress("b")
	r.MarkOutbound("b")
	r.MarkError("b", errors.New("rate limited"))
	health, _ := r.Health("b")
	if health.LastIngressAt.IsZero() || health.LastOutboundAt.IsZero() || health.LastError == "" {
		t.Fatalf("health marks missing: %+v", health)
	}
}
