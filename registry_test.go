package tab

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testFactory(r *Registry) RegistryOption {
	return WithFactory(TransportLineJSON, func(d AgentDescriptor) (Adapter, error) {
		return &fakeAdapter{id: d.AgentID}, nil
	})
}

func testDescriptor(id string) AgentDescriptor {
	return AgentDescriptor{
		AgentID:   id,
		Kind:      "test",
		Command:   "/bin/true",
		Transport: TransportLineJSON,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	testFactory(r)(r)

	if err := r.Register(testDescriptor("alpha")); err != nil {
		t.Fatalf("register: %v", err)
	}
	desc, ok := r.Lookup("alpha")
	if !ok || desc.AgentID != "alpha" {
		t.Errorf("lookup = %+v, %v", desc, ok)
	}
	if _, ok := r.Adapter("alpha"); !ok {
		t.Error("adapter not built")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("phantom agent")
	}
}

func TestRegisterRejections(t *testing.T) {
	r := NewRegistry()
	testFactory(r)(r)

	cases := []struct {
		name string
		desc AgentDescriptor
	}{
		{"empty id", AgentDescriptor{Command: "/bin/true", Transport: TransportLineJSON}},
		{"empty command", AgentDescriptor{AgentID: "x", Transport: TransportLineJSON}},
		{"unknown transport", AgentDescriptor{AgentID: "x", Command: "/bin/true", Transport: "carrier_pigeon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var verr *ErrValidation
			if err := r.Register(tc.desc); !errors.As(err, &verr) {
				t.Errorf("want *ErrValidation, got %v", err)
			}
		})
	}

	if err := r.Register(testDescriptor("alpha")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(testDescriptor("alpha")); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestRegisterWithoutFactory(t *testing.T) {
	r := NewRegistry()
	desc := testDescriptor("alpha")
	desc.Transport = TransportRolloutJournal
	if err := r.Register(desc); err == nil {
		t.Error("transport without factory accepted")
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	testFactory(r)(r)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(testDescriptor(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	list := r.List()
	if len(list) != 3 || list[0].AgentID != "alpha" || list[1].AgentID != "mid" || list[2].AgentID != "zeta" {
		t.Errorf("list = %+v", list)
	}
}

func TestProbeCachesHealth(t *testing.T) {
	r := NewRegistry()
	WithFactory(TransportLineJSON, func(d AgentDescriptor) (Adapter, error) {
		a := &fakeAdapter{id: d.AgentID}
		if d.AgentID == "sick" {
			a.healthErr = errors.New("binary missing")
		}
		return a, nil
	})(r)
	r.Register(testDescriptor("well"))
	r.Register(testDescriptor("sick"))

	failed := r.Probe(context.Background(), time.Second)
	if len(failed) != 1 || failed[0] != "sick" {
		t.Errorf("failed = %v", failed)
	}
	if !r.Healthy("well") || r.Healthy("sick") {
		t.Error("cached health wrong")
	}
	// Never-probed agents count as healthy.
	if !r.Healthy("unknown") {
		t.Error("unknown agent should default healthy")
	}
}

func TestShutdownReapsAll(t *testing.T) {
	r := NewRegistry()
	testFactory(r)(r)
	r.Register(testDescriptor("alpha"))
	r.Register(testDescriptor("beta"))

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, id := range []string{"alpha", "beta"} {
		a, _ := r.Adapter(id)
		if !a.(*fakeAdapter).shutdown {
			t.Errorf("%s not shut down", id)
		}
	}
}
