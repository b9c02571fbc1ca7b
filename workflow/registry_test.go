package workflow_test

import (
	"testing"

	"github.com/stepflow/stepflow/workflow"
)

func TestRegistry_Versioning(t *testing.T) {
	reg := workflow.NewRegistry()

	defV1 := workflow.NewWorkflow("versioned",
		func(_ *workflow.Workflow, _ struct{}) (struct{}, error) { return struct{}{}, nil })
	defV1.Version = 1
	workflow.RegisterDefinition(reg, defV1)

	defV2 := workflow.NewWorkflow("versioned",
		func(_ *workflow.Workflow, _ struct{}) (struct{}, error) { return struct{}{}, nil })
	defV2.Version = 2
	workflow.RegisterDefinition(reg, defV2)

	if v := reg.LatestVersion("versioned"); v != 2 {
		t.Errorf("LatestVersion = %d, want 2", v)
	}

	if _, ok := reg.Get("versioned"); !ok {
		t.Fatal("expected Get to return a runner")
	}
	if _, ok := reg.GetVersion("versioned", 1); !ok {
		t.Fatal("expected GetVersion(1) to return a runner")
	}
	if _, ok := reg.GetVersion("versioned", 3); ok {
		t.Fatal("expected GetVersion(3) to report not found")
	}
	// Version 0 behaves like latest.
	if _, ok := reg.GetVersion("versioned", 0); !ok {
		t.Fatal("expected GetVersion(0) to return the latest runner")
	}
}

func TestRegistry_ZeroVersionTreatedAsOne(t *testing.T) {
	reg := workflow.NewRegistry()

	workflow.RegisterDefinition(reg, workflow.NewWorkflow("plain",
		func(_ *workflow.Workflow, _ struct{}) (struct{}, error) { return struct{}{}, nil }))

	if v := reg.LatestVersion("plain"); v != 1 {
		t.Errorf("LatestVersion = %d, want 1", v)
	}
	if _, ok := reg.GetVersion("plain", 1); !ok {
		t.Fatal("expected GetVersion(1) to return a runner")
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := workflow.NewRegistry()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		workflow.RegisterDefinition(reg, workflow.NewWorkflow(name,
			func(_ *workflow.Workflow, _ struct{}) (struct{}, error) { return struct{}{}, nil }))
	}

	names := reg.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestRegistry_UnknownName(t *testing.T) {
	reg := workflow.NewRegistry()

	if _, ok := reg.Get("missing"); ok {
		t.Error("expected Get on unknown name to report not found")
	}
	if v := reg.LatestVersion("missing"); v != 0 {
		t.Errorf("LatestVersion = %d, want 0", v)
	}
}
