package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/agentpay-core/internal/acp"
	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/repository/memory"
)

// recorder собирает опубликованные исходы
type recorder struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (r *recorder) PublishOutcome(_ context.Context, o domain.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	events *recorder
	swarm  *domain.Swarm
}

func newFixture(t *testing.T, maxMembers int, workers ...string) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), events: &recorder{}}
	var seq atomic.Int64
	newID := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	clk := clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	f.svc = NewService(Deps{
		Repo:      f.store,
		Jobs:      acp.NewService(acp.Deps{Repo: f.store, Clock: clk, NewID: newID}),
		Publisher: f.events,
		Clock:     clk,
		NewID:     newID,
	})

	sw, err := f.svc.CreateSwarm(t.Context(), CreateSwarmInput{OrgID: "org-1", Name: "research", Orchestrator: "lead", MaxMembers: maxMembers})
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	f.swarm = sw
	for _, w := range workers {
		if _, err := f.svc.AddMember(t.Context(), sw.ID, w, domain.RoleWorker, true); err != nil {
			t.Fatalf("add member %s: %v", w, err)
		}
	}
	return f
}

func (f *fixture) task(t *testing.T) *domain.SwarmTask {
	t.Helper()
	task, err := f.svc.CreateTask(t.Context(), f.swarm.ID, "market report", "collect and merge")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) assign(t *testing.T, taskID, subtaskID, agent string) {
	t.Helper()
	if _, err := f.svc.AssignSubtask(t.Context(), AssignSubtaskInput{TaskID: taskID, SubtaskID: subtaskID, AgentID: agent, Description: subtaskID}); err != nil {
		t.Fatalf("assign %s: %v", subtaskID, err)
	}
}

func TestSwarmTask_TwoSubtasks(t *testing.T) {
	f := newFixture(t, 5, "alice", "bob")
	task := f.task(t)
	if task.Status != domain.TaskPending || task.TotalSubtasks != 0 {
		t.Fatalf("new task = %+v", task)
	}

	f.assign(t, task.ID, "s1", "alice")
	f.assign(t, task.ID, "s2", "bob")

	got, err := f.svc.CompleteSubtask(t.Context(), task.ID, "s1", json.RawMessage(`{"part":1}`))
	if err != nil {
		t.Fatalf("complete s1: %v", err)
	}
	if got.Status != domain.TaskInProgress || got.CompletedSubtasks != 1 || got.AggregatedResult != nil {
		t.Fatalf("after s1 = %+v", got)
	}

	got, err = f.svc.CompleteSubtask(t.Context(), task.ID, "s2", json.RawMessage(`{"part":2}`))
	if err != nil {
		t.Fatalf("complete s2: %v", err)
	}
	if got.Status != domain.TaskCompleted || got.CompletedAt == nil || got.AggregatedResult == nil {
		t.Fatalf("after s2 = %+v", got)
	}
	res := got.AggregatedResult.SubtaskResults
	if len(res) != 2 || res[0].SubtaskID != "s1" || res[1].SubtaskID != "s2" || string(res[1].Result) != `{"part":2}` {
		t.Fatalf("aggregated = %+v", res)
	}

	if n := f.events.count(); n != 2 {
		t.Fatalf("published %d outcomes, want 2", n)
	}
	sw, _ := f.svc.GetSwarm(t.Context(), f.swarm.ID)
	if sw.TotalTasks != 1 || sw.CompletedTasks != 1 {
		t.Fatalf("swarm counters = %+v", sw)
	}

	// Завершенная задача не принимает новых подзадач и повторных отметок
	if _, err := f.svc.AssignSubtask(t.Context(), AssignSubtaskInput{TaskID: task.ID, SubtaskID: "s3", AgentID: "alice"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("assign to completed task: %v", err)
	}
	if _, err := f.svc.CompleteSubtask(t.Context(), task.ID, "s1", nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("complete twice: %v", err)
	}
}

func TestSwarmTask_ConcurrentCompletionAggregatesOnce(t *testing.T) {
	const n = 20
	workers := make([]string, n)
	for i := range workers {
		workers[i] = fmt.Sprintf("w%d", i)
	}
	f := newFixture(t, 0, workers...)
	task := f.task(t)
	for i, w := range workers {
		f.assign(t, task.ID, fmt.Sprintf("s%02d", i), w)
	}

	var completedSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.svc.CompleteSubtask(t.Context(), task.ID, fmt.Sprintf("s%02d", i), json.RawMessage(fmt.Sprintf(`%d`, i)))
			if err != nil {
				t.Errorf("complete s%02d: %v", i, err)
				return
			}
			if got.Status == domain.TaskCompleted {
				completedSeen.Add(1)
			}
		}(i)
	}
	wg.Wait()

	final, _ := f.svc.GetTask(t.Context(), task.ID)
	if final.Status != domain.TaskCompleted || final.CompletedSubtasks != n {
		t.Fatalf("final = %+v", final)
	}
	if completedSeen.Load() < 1 {
		t.Fatal("no completion observed the aggregated task")
	}
	// Агрегация ровно одна: по исходу на каждого исполнителя
	if got := f.events.count(); got != n {
		t.Fatalf("published %d outcomes, want %d", got, n)
	}
	for i, r := range final.AggregatedResult.SubtaskResults {
		if want := fmt.Sprintf("s%02d", i); r.SubtaskID != want {
			t.Fatalf("result %d = %s, want %s (assignment order)", i, r.SubtaskID, want)
		}
	}
	sw, _ := f.svc.GetSwarm(t.Context(), f.swarm.ID)
	if sw.CompletedTasks != 1 {
		t.Fatalf("completed tasks = %d", sw.CompletedTasks)
	}
}

func TestSwarm_Membership(t *testing.T) {
	f := newFixture(t, 3, "alice")

	tests := []struct {
		name    string
		agent   string
		role    domain.MemberRole
		wantErr error
	}{
		{"duplicate active member", "alice", domain.RoleWorker, domain.ErrConflict},
		{"unknown role", "carol", "boss", domain.ErrValidation},
		{"second orchestrator", "carol", domain.RoleOrchestrator, domain.ErrValidation},
		{"fills last seat", "bob", domain.RoleReviewer, nil},
		{"over capacity", "dave", domain.RoleWorker, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddMember(t.Context(), f.swarm.ID, tt.agent, tt.role, false)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := f.svc.RemoveMember(t.Context(), f.swarm.ID, "lead"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("remove orchestrator: %v", err)
	}

	members, _ := f.svc.Members(t.Context(), f.swarm.ID)
	if len(members) != 3 || members[0].Role != domain.RoleOrchestrator || members[0].Contestable {
		t.Fatalf("members = %+v", members)
	}
}

func TestSwarm_RemovedMemberKeepsAssignment(t *testing.T) {
	f := newFixture(t, 5, "alice")
	task := f.task(t)
	f.assign(t, task.ID, "s1", "alice")

	if err := f.svc.RemoveMember(t.Context(), f.swarm.ID, "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Новые назначения неактивному участнику запрещены
	if _, err := f.svc.AssignSubtask(t.Context(), AssignSubtaskInput{TaskID: task.ID, SubtaskID: "s2", AgentID: "alice"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("assign to removed member: %v", err)
	}
	// Уже выданная подзадача доводится до конца
	got, err := f.svc.CompleteSubtask(t.Context(), task.ID, "s1", json.RawMessage(`"done"`))
	if err != nil || got.Status != domain.TaskCompleted {
		t.Fatalf("complete = %+v, %v", got, err)
	}

	// Повторное добавление реактивирует участника
	if _, err := f.svc.AddMember(t.Context(), f.swarm.ID, "alice", domain.RoleWorker, true); err != nil {
		t.Fatalf("re-add: %v", err)
	}
}

func TestSwarm_AssignValidation(t *testing.T) {
	f := newFixture(t, 5, "alice")
	task := f.task(t)
	f.assign(t, task.ID, "s1", "alice")

	if _, err := f.svc.AssignSubtask(t.Context(), AssignSubtaskInput{TaskID: task.ID, SubtaskID: "s1", AgentID: "alice"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate subtask: %v", err)
	}
	if _, err := f.svc.AssignSubtask(t.Context(), AssignSubtaskInput{TaskID: task.ID, SubtaskID: "s2", AgentID: "stranger"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("non-member: %v", err)
	}
	if _, err := f.svc.CompleteSubtask(t.Context(), task.ID, "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown subtask: %v", err)
	}
	if _, err := f.svc.AssignSubtask(t.Context(), AssignSubtaskInput{TaskID: "nope", SubtaskID: "s9", AgentID: "alice"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown task: %v", err)
	}
}

func TestSwarm_FailTask(t *testing.T) {
	f := newFixture(t, 5, "alice")
	task := f.task(t)

	failed, err := f.svc.FailTask(t.Context(), task.ID, "orchestrator gave up")
	if err != nil || failed.Status != domain.TaskFailed || failed.FailureReason != "orchestrator gave up" {
		t.Fatalf("fail = %+v, %v", failed, err)
	}
	if _, err := f.svc.FailTask(t.Context(), task.ID, "again"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("fail twice: %v", err)
	}
	if f.events.count() != 0 {
		t.Fatal("failed task must not publish outcomes")
	}
}

func TestSwarm_AssignSpawnsJob(t *testing.T) {
	f := newFixture(t, 5, "alice")
	task := f.task(t)

	got, err := f.svc.AssignSubtask(t.Context(), AssignSubtaskInput{
		TaskID:      task.ID,
		SubtaskID:   "s1",
		AgentID:     "alice",
		Description: "collect sources",
		Job: &JobSpec{
			BuyerWallet:  "lead-wallet",
			SellerWallet: "alice-wallet",
			Price:        30,
			Token:        "USDC",
		},
	})
	if err != nil {
		t.Fatalf("assign with job: %v", err)
	}
	st, _ := got.Subtask("s1")
	if st.JobID == "" {
		t.Fatalf("subtask without job: %+v", st)
	}

	stored, _ := f.svc.GetTask(t.Context(), task.ID)
	if s, _ := stored.Subtask("s1"); s.JobID != st.JobID {
		t.Fatalf("job link not persisted: %+v", s)
	}
	j, err := f.store.GetJob(t.Context(), st.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Buyer != "lead" || j.Seller != "alice" || j.SwarmTaskID != task.ID || j.SubtaskID != "s1" || j.Terms.Description != "collect sources" {
		t.Fatalf("spawned job = %+v", j)
	}
}

// lateAssignRepo перед первой финализацией назначает и выполняет еще одну подзадачу,
// как это сделал бы параллельный вызов между снимком и CAS
type lateAssignRepo struct {
	*memory.Store
	once sync.Once
	late domain.Subtask
}

func (r *lateAssignRepo) FinalizeTask(ctx context.Context, taskID string, total int, agg domain.AggregatedResult, at time.Time) (bool, error) {
	var err error
	r.once.Do(func() {
		if _, err = r.Store.AppendSubtask(ctx, taskID, r.late); err != nil {
			return
		}
		_, err = r.Store.MarkSubtaskCompleted(ctx, taskID, r.late.ID, json.RawMessage(`"late"`), at)
	})
	if err != nil {
		return false, err
	}
	return r.Store.FinalizeTask(ctx, taskID, total, agg, at)
}

func TestSwarmTask_LateSubtaskJoinsAggregate(t *testing.T) {
	f := newFixture(t, 5, "alice", "bob")
	task := f.task(t)
	f.assign(t, task.ID, "s1", "alice")

	clk := clock.Fake(time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC))
	repo := &lateAssignRepo{Store: f.store, late: domain.Subtask{ID: "s2", AgentID: "bob", AssignedAt: clk.Now()}}
	svc := NewService(Deps{Repo: repo, Publisher: f.events, Clock: clk})

	got, err := svc.CompleteSubtask(t.Context(), task.ID, "s1", json.RawMessage(`"first"`))
	if err != nil {
		t.Fatalf("complete s1: %v", err)
	}
	if got.Status != domain.TaskCompleted || got.TotalSubtasks != 2 {
		t.Fatalf("task = %+v", got)
	}

	stored, _ := f.svc.GetTask(t.Context(), task.ID)
	if stored.AggregatedResult == nil {
		t.Fatal("stored task has no aggregated result")
	}
	res := stored.AggregatedResult.SubtaskResults
	if len(res) != 2 || res[0].SubtaskID != "s1" || res[1].SubtaskID != "s2" {
		t.Fatalf("aggregated = %+v, want s1 and s2", res)
	}
	if n := f.events.count(); n != 2 {
		t.Fatalf("published %d outcomes, want 2", n)
	}
}

// failingJobs — ACP, который не принимает заказы
type failingJobs struct{}

func (failingJobs) Create(context.Context, acp.CreateInput) (*domain.Job, error) {
	return nil, errors.New("acp unavailable")
}

func TestSwarm_FailedJobSpawnLeavesTaskUntouched(t *testing.T) {
	jobSpec := func(buyerWallet string) *JobSpec {
		return &JobSpec{BuyerWallet: buyerWallet, SellerWallet: "alice-wallet", Price: 30, Token: "USDC"}
	}

	tests := []struct {
		name string
		jobs Jobs
		job  *JobSpec
	}{
		{"invalid job spec", nil, jobSpec("")},
		{"job creation error", failingJobs{}, jobSpec("lead-wallet")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5, "alice")
			task := f.task(t)
			svc := f.svc
			if tt.jobs != nil {
				svc = NewService(Deps{Repo: f.store, Jobs: tt.jobs, Publisher: f.events})
			}

			in := AssignSubtaskInput{TaskID: task.ID, SubtaskID: "s1", AgentID: "alice", Description: "collect", Job: tt.job}
			if _, err := svc.AssignSubtask(t.Context(), in); err == nil {
				t.Fatal("assign must fail")
			}
			stored, _ := f.svc.GetTask(t.Context(), task.ID)
			if stored.Status != domain.TaskPending || stored.TotalSubtasks != 0 || len(stored.Subtasks) != 0 {
				t.Fatalf("task after failed assign = %+v", stored)
			}

			// Исправленный повтор с тем же subtask_id проходит
			in.Job = jobSpec("lead-wallet")
			got, err := f.svc.AssignSubtask(t.Context(), in)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			st, ok := got.Subtask("s1")
			if !ok || st.JobID == "" || st.Seq != 1 || got.Status != domain.TaskInProgress {
				t.Fatalf("retried task = %+v", got)
			}
		})
	}
}
