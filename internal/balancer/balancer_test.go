package balancer

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

func newPool(t testing.TB, agents map[string][]string, order ...string) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry()
	for _, id := range order {
		reg.Register(id, agent.Capabilities{Skills: agents[id], Capacity: agent.CapacityMedium})
	}
	return reg
}

func TestAssignTask_LeastLoaded(t *testing.T) {
	reg := newPool(t, nil, "a", "b", "c")
	b := New(reg)

	var got []string
	for i := 0; i < 6; i++ {
		a, ok := b.AssignTask(scheduler.Task{ID: fmt.Sprintf("t%d", i)})
		if !ok {
			t.Fatalf("AssignTask(t%d) failed", i)
		}
		got = append(got, a.AgentID)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("assignments = %v, want %v", got, want)
	}
	for _, id := range []string{"a", "b", "c"} {
		a, _ := reg.Get(id)
		if a.Workload != 2 {
			t.Errorf("%s workload = %d, want 2", id, a.Workload)
		}
	}
}

func TestAssignTask_Filters(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*agent.Registry)
		task      scheduler.Task
		wantAgent string
		wantOK    bool
	}{
		{
			name:      "required skill",
			task:      scheduler.Task{ID: "t", RequiredSkill: "design"},
			wantAgent: "designer",
			wantOK:    true,
		},
		{
			name:   "nobody has the skill",
			task:   scheduler.Task{ID: "t", RequiredSkill: "cobol"},
			wantOK: false,
		},
		{
			name: "stressed agents are skipped",
			setup: func(r *agent.Registry) {
				r.UpdateStatus("coder", 0, agent.Metrics{CPU: 99})
			},
			task:      scheduler.Task{ID: "t"},
			wantAgent: "designer",
			wantOK:    true,
		},
		{
			name: "unhealthy agents are skipped",
			setup: func(r *agent.Registry) {
				r.MarkProbeFailure("coder")
			},
			task:   scheduler.Task{ID: "t", RequiredSkill: "coding"},
			wantOK: false,
		},
		{
			name: "deactivated agents are skipped",
			setup: func(r *agent.Registry) {
				r.Deregister("coder")
			},
			task:      scheduler.Task{ID: "t"},
			wantAgent: "designer",
			wantOK:    true,
		},
		{
			name: "lowest workload wins over registration order",
			setup: func(r *agent.Registry) {
				r.UpdateStatus("coder", 3, agent.Metrics{})
			},
			task:      scheduler.Task{ID: "t"},
			wantAgent: "designer",
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newPool(t, map[string][]string{
				"coder":    {"coding", "testing"},
				"designer": {"design", "documentation"},
			}, "coder", "designer")
			if tt.setup != nil {
				tt.setup(reg)
			}

			a, ok := New(reg).AssignTask(tt.task)
			if ok != tt.wantOK {
				t.Fatalf("AssignTask() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && a.AgentID != tt.wantAgent {
				t.Errorf("AgentID = %q, want %q", a.AgentID, tt.wantAgent)
			}
			if ok && a.TaskID != tt.task.ID {
				t.Errorf("TaskID = %q, want %q", a.TaskID, tt.task.ID)
			}
		})
	}
}

func TestAssignTask_ScoredPolicy(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register("small", agent.Capabilities{Skills: []string{"go"}, Capacity: agent.CapacityLow})
	reg.Register("big", agent.Capabilities{Skills: []string{"go"}, Capacity: agent.CapacityHigh})

	b := New(reg, WithPolicy(PolicyScored))
	task := scheduler.Task{ID: "t1", RequiredTechnologies: []string{"go"}, Complexity: scheduler.ComplexityComplex}

	a, ok := b.AssignTask(task)
	if !ok {
		t.Fatal("expected assignment")
	}
	if a.AgentID != "big" {
		t.Errorf("AgentID = %q, want big", a.AgentID)
	}
	if a.Score != 30 || a.Confidence != 0.3 {
		t.Errorf("score/confidence = %v/%v, want 30/0.3", a.Score, a.Confidence)
	}

	// Scored policy still increments workload
	big, _ := reg.Get("big")
	if big.Workload != 1 {
		t.Errorf("big workload = %d, want 1", big.Workload)
	}

	// History from the registry shifts the choice
	for i := 0; i < 3; i++ {
		reg.RecordOutcome("small", true)
	}
	a, _ = b.AssignTask(scheduler.Task{ID: "t2", RequiredTechnologies: []string{"go"}, Complexity: scheduler.ComplexityComplex})
	if a.AgentID != "small" {
		t.Errorf("with history AgentID = %q, want small", a.AgentID)
	}
}

func TestReleaseTask(t *testing.T) {
	reg := newPool(t, nil, "a")
	b := New(reg)

	b.AssignTask(scheduler.Task{ID: "t1"})
	b.AssignTask(scheduler.Task{ID: "t2"})
	if got := b.InFlight("a"); !reflect.DeepEqual(got, []string{"t1", "t2"}) {
		t.Fatalf("InFlight = %v, want [t1 t2]", got)
	}

	if !b.ReleaseTask("a", "t1") {
		t.Fatal("ReleaseTask(t1) = false")
	}
	if b.ReleaseTask("a", "t1") {
		t.Error("second ReleaseTask(t1) should report drift")
	}
	if b.ReleaseTask("a", "never-assigned") {
		t.Error("ReleaseTask for unknown task should report drift")
	}

	a, _ := reg.Get("a")
	if a.Workload != 1 {
		t.Errorf("workload = %d, want 1", a.Workload)
	}
	if got := b.InFlight("a"); !reflect.DeepEqual(got, []string{"t2"}) {
		t.Errorf("InFlight = %v, want [t2]", got)
	}
}

func TestReleaseAfterDeregister(t *testing.T) {
	reg := newPool(t, nil, "a")
	b := New(reg)
	b.AssignTask(scheduler.Task{ID: "t1"})
	reg.Deregister("a")

	if !b.ReleaseTask("a", "t1") {
		t.Fatal("release after deregister should still balance")
	}
	a, _ := reg.Get("a")
	if a.Workload != 0 {
		t.Errorf("workload = %d, want 0", a.Workload)
	}
}

func TestConcurrentAssignRelease(t *testing.T) {
	reg := newPool(t, nil, "a", "b", "c", "d")
	b := New(reg)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			if a, ok := b.AssignTask(scheduler.Task{ID: id}); ok {
				b.ReleaseTask(a.AgentID, id)
			}
		}(i)
	}
	wg.Wait()

	for _, a := range reg.List() {
		if a.Workload != 0 {
			t.Errorf("%s workload = %d after all releases, want 0", a.ID, a.Workload)
		}
	}
}

func TestOptimize(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*agent.Registry, *Balancer)
		want  Action
	}{
		{
			name: "single idle agent",
			setup: func(r *agent.Registry, b *Balancer) {
				b.AssignTask(scheduler.Task{ID: "t1"})
				b.AssignTask(scheduler.Task{ID: "t2"})
			},
			want: ActionNone,
		},
		{
			name:  "several idle agents",
			setup: func(r *agent.Registry, b *Balancer) {},
			want:  ActionScaleDown,
		},
		{
			name: "stressed and idle",
			setup: func(r *agent.Registry, b *Balancer) {
				r.UpdateStatus("a", 4, agent.Metrics{Memory: 95})
			},
			want: ActionRedistribute,
		},
		{
			name: "all stressed",
			setup: func(r *agent.Registry, b *Balancer) {
				for _, id := range []string{"a", "b", "c"} {
					r.UpdateStatus(id, 1, agent.Metrics{CPU: 90})
				}
			},
			want: ActionScaleUp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newPool(t, nil, "a", "b", "c")
			b := New(reg)
			tt.setup(reg, b)
			if got := b.Optimize(); got.Action != tt.want {
				t.Errorf("Optimize() = %+v, want action %s", got, tt.want)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyLeastLoaded, "least_loaded": PolicyLeastLoaded, "scored": PolicyScored} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("round_robin"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

// Workload always equals assignments minus releases, and assignments only go
// to healthy agents with the required skill.
func TestBalancerProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		skills := []string{"", "go", "web"}
		reg := agent.NewRegistry()
		ids := []string{"a0", "a1", "a2", "a3"}
		for _, id := range ids {
			reg.Register(id, agent.Capabilities{
				Skills: rapid.SliceOfDistinct(rapid.SampledFrom(skills[1:]), rapid.ID[string]).Draw(t, "skills_"+id),
			})
		}
		b := New(reg)
		outstanding := map[string][]string{}
		want := map[string]int{}
		next := 0

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0, 1:
				task := scheduler.Task{ID: fmt.Sprintf("t%d", next), RequiredSkill: rapid.SampledFrom(skills).Draw(t, "skill")}
				next++
				a, ok := b.AssignTask(task)
				if !ok {
					continue
				}
				got, _ := reg.Get(a.AgentID)
				if !got.HasSkill(task.RequiredSkill) {
					t.Fatalf("%s assigned to %s without skill %q", task.ID, a.AgentID, task.RequiredSkill)
				}
				if got.Health != agent.Healthy {
					t.Fatalf("%s assigned to %s in state %s", task.ID, a.AgentID, got.Health)
				}
				outstanding[a.AgentID] = append(outstanding[a.AgentID], task.ID)
				want[a.AgentID]++
			case 2:
				id := rapid.SampledFrom(ids).Draw(t, "release_agent")
				if len(outstanding[id]) == 0 {
					continue
				}
				if !b.ReleaseTask(id, outstanding[id][0]) {
					t.Fatalf("release of %s on %s failed", outstanding[id][0], id)
				}
				outstanding[id] = outstanding[id][1:]
				want[id]--
			case 3:
				id := rapid.SampledFrom(ids).Draw(t, "stress_agent")
				a, _ := reg.Get(id)
				cpu := rapid.SampledFrom([]float64{10, 95}).Draw(t, "cpu")
				reg.UpdateStatus(id, a.Workload, agent.Metrics{CPU: cpu})
			}
		}

		for _, id := range ids {
			a, _ := reg.Get(id)
			if a.Workload != want[id] {
				t.Fatalf("%s workload = %d, want %d", id, a.Workload, want[id])
			}
			if a.Workload < 0 {
				t.Fatalf("%s workload negative", id)
			}
		}
	})
}
