package approval

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	contractsmq "casa/contracts/mq"
	"casa/internal/model"
	"casa/internal/repository/memory"
	"casa/internal/service"
	"casa/internal/service/servicetest"
	"casa/internal/storage"
	"casa/internal/workflow"
)

type fixture struct {
	svc    *Service
	store  *memory.Store
	owner  service.Actor
	mentor service.Actor
	p      *model.Project
}

// newFixture 导师模式项目，位于 stage 且该阶段物料已确认
func newFixture(t *testing.T, stage workflow.Stage) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{
		svc:    NewService(store, service.NewGates(zap.NewNop()), zap.NewNop()),
		store:  store,
		owner:  servicetest.User(t, store, model.RoleUser),
		mentor: servicetest.User(t, store, model.RoleMentor),
	}
	f.p = servicetest.Project(t, store, f.owner, model.ReviewMentor, stage)
	servicetest.AssignMentor(t, store, f.p, f.mentor)
	return f
}

func TestRequestReviewAndApprove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.StageIdea)
	servicetest.ConfirmedIdea(t, f.store, f.p)

	a, err := f.svc.RequestReview(ctx, f.owner, f.p.ID)
	if err != nil {
		t.Fatalf("RequestReview: %v", err)
	}
	if a.Gate != workflow.Gate1 || a.MentorID != f.mentor.UserID {
		t.Fatalf("unexpected approval: %+v", a)
	}
	if _, err := f.svc.RequestReview(ctx, f.owner, f.p.ID); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second RequestReview err = %v, want ErrConflict", err)
	}

	queue, err := f.svc.ListPending(ctx, f.mentor)
	if err != nil || len(queue) != 1 {
		t.Fatalf("ListPending = %v, %v", queue, err)
	}

	res, err := f.svc.Decide(ctx, f.mentor, a.ID, DecideInput{Decision: DecisionApprove})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Approval.Status != model.ApprovalApproved || res.Approval.DecidedAt == nil {
		t.Fatalf("approval not decided: %+v", res.Approval)
	}
	if res.Project.Stage != workflow.StageEvaluation || res.Project.Status != model.ProjectActive || res.Project.Gate1PassedAt == nil {
		t.Fatalf("project not advanced: %+v", res.Project)
	}

	var keys []string
	for _, ev := range f.store.Events() {
		keys = append(keys, ev.RoutingKey)
	}
	want := []string{contractsmq.RoutingApprovalRequested, contractsmq.RoutingGatePassed, contractsmq.RoutingApprovalDecided}
	if len(keys) != len(want) {
		t.Fatalf("events = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("events = %v, want %v", keys, want)
		}
	}

	if _, err := f.svc.Decide(ctx, f.mentor, a.ID, DecideInput{Decision: DecisionReject}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("deciding twice err = %v, want ErrConflict", err)
	}
}

func TestRequestReviewRequiresReadyGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.StageDocument)
	servicetest.Document(t, f.store, f.p, workflow.DocBusinessPlan, "bp")

	_, err := f.svc.RequestReview(ctx, f.owner, f.p.ID)
	var unmet *workflow.UnmetError
	if !errors.As(err, &unmet) {
		t.Fatalf("err = %v, want *UnmetError", err)
	}
	if unmet.Gate != workflow.Gate3 || len(unmet.Missing) != 3 {
		t.Fatalf("unexpected unmet error: %+v", unmet)
	}
}

func TestRequestReviewRejectsSelfMode(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, service.NewGates(zap.NewNop()), zap.NewNop())
	owner := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageIdea)

	if _, err := svc.RequestReview(ctx, owner, p.ID); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRejectKeepsConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.StageIdea)
	servicetest.ConfirmedIdea(t, f.store, f.p)
	a, err := f.svc.RequestReview(ctx, f.owner, f.p.ID)
	if err != nil {
		t.Fatalf("RequestReview: %v", err)
	}

	res, err := f.svc.Decide(ctx, f.mentor, a.ID, DecideInput{Decision: DecisionReject, Comment: "not yet"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Project.Status != model.ProjectActive || res.Project.Gate != workflow.Gate1 {
		t.Fatalf("unexpected project: %+v", res.Project)
	}
	card, err := f.store.Ideas().GetByProject(ctx, f.p.ID)
	if err != nil || !card.IsConfirmed {
		t.Fatalf("idea should stay confirmed: %+v, %v", card, err)
	}
	// 被拒后可以再次申请
	if _, err := f.svc.RequestReview(ctx, f.owner, f.p.ID); err != nil {
		t.Fatalf("RequestReview after reject: %v", err)
	}
}

func TestRevisionRequestedUnconfirmsGateItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.StageDocument)
	for _, docType := range workflow.RequiredDocTypes() {
		d := servicetest.Document(t, f.store, f.p, docType, "draft")
		d.Confirm(f.owner.UserID, d.CreatedAt)
		if err := f.store.Documents().SetConfirmation(ctx, d); err != nil {
			t.Fatalf("SetConfirmation: %v", err)
		}
	}
	a, err := f.svc.RequestReview(ctx, f.owner, f.p.ID)
	if err != nil {
		t.Fatalf("RequestReview: %v", err)
	}

	if _, err := f.svc.Decide(ctx, f.mentor, a.ID, DecideInput{Decision: DecisionRevision}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("revision without comment err = %v, want ErrInvalidInput", err)
	}
	res, err := f.svc.Decide(ctx, f.mentor, a.ID, DecideInput{Decision: DecisionRevision, Comment: "tighten the pitch"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Approval.Status != model.ApprovalRevisionRequested || res.Project.Status != model.ProjectActive {
		t.Fatalf("unexpected result: %+v %+v", res.Approval, res.Project)
	}
	latest, err := f.store.Documents().Latest(ctx, f.p.ID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	for docType, d := range latest {
		if d.IsConfirmed {
			t.Fatalf("%s still confirmed", docType)
		}
	}
}

func TestDecideRequiresAssignedMentor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.StageIdea)
	servicetest.ConfirmedIdea(t, f.store, f.p)
	a, err := f.svc.RequestReview(ctx, f.owner, f.p.ID)
	if err != nil {
		t.Fatalf("RequestReview: %v", err)
	}

	otherMentor := servicetest.User(t, f.store, model.RoleMentor)
	if _, err := f.svc.Decide(ctx, otherMentor, a.ID, DecideInput{Decision: DecisionApprove}); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("other mentor err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Decide(ctx, f.owner, a.ID, DecideInput{Decision: DecisionApprove}); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("owner err = %v, want ErrForbidden", err)
	}
	admin := servicetest.User(t, f.store, model.RoleAdmin)
	if _, err := f.svc.Decide(ctx, admin, a.ID, DecideInput{Decision: DecisionApprove}); err != nil {
		t.Fatalf("admin Decide: %v", err)
	}

	history, err := f.svc.ListForProject(ctx, f.owner, f.p.ID)
	if err != nil || len(history) != 1 {
		t.Fatalf("ListForProject = %v, %v", history, err)
	}
}

func TestDecideRejectsStaleGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.StageIdea)
	servicetest.ConfirmedIdea(t, f.store, f.p)
	a, err := f.svc.RequestReview(ctx, f.owner, f.p.ID)
	if err != nil {
		t.Fatalf("RequestReview: %v", err)
	}

	// 模拟项目已被推进到下一关
	p, _ := f.store.Projects().Get(ctx, f.p.ID)
	next, _, err := workflow.Advance(p.Progress, p.Gate, p.CreatedAt)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	p.Progress = next
	if err := f.store.Projects().Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := f.svc.Decide(ctx, f.mentor, a.ID, DecideInput{Decision: DecisionApprove}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

// staleReadStore 事务内 Approvals().Get 返回调用方给定的旧副本，模拟并发裁决前读到的行
type staleReadStore struct {
	*memory.Store
	stale model.Approval
}

type staleReadTx struct {
	storage.Tx
	approvals storage.ApprovalRepository
}

func (t staleReadTx) Approvals() storage.ApprovalRepository { return t.approvals }

type staleApprovals struct {
	storage.ApprovalRepository
	stale model.Approval
}

func (r staleApprovals) Get(context.Context, int) (*model.Approval, error) {
	a := r.stale
	return &a, nil
}

func (s *staleReadStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Tx) error {
		return fn(staleReadTx{Tx: tx, approvals: staleApprovals{tx.Approvals(), s.stale}})
	})
}

func TestDecideRereadsApprovalUnderLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, workflow.StageIdea)
	servicetest.ConfirmedIdea(t, f.store, f.p)
	a, err := f.svc.RequestReview(ctx, f.owner, f.p.ID)
	if err != nil {
		t.Fatalf("RequestReview: %v", err)
	}
	stale := *a

	admin := servicetest.User(t, f.store, model.RoleAdmin)
	if _, err := f.svc.Decide(ctx, admin, a.ID, DecideInput{Decision: DecisionReject}); err != nil {
		t.Fatalf("admin reject: %v", err)
	}

	racing := NewService(&staleReadStore{Store: f.store, stale: stale}, service.NewGates(zap.NewNop()), zap.NewNop())
	if _, err := racing.Decide(ctx, f.mentor, a.ID, DecideInput{Decision: DecisionApprove}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("approve after reject err = %v, want ErrConflict", err)
	}

	p, _ := f.store.Projects().Get(ctx, f.p.ID)
	if p.Gate != workflow.Gate1 || p.Gate1PassedAt != nil {
		t.Fatalf("gate advanced after rejected review: %+v", p.Progress)
	}
	decided := 0
	for _, ev := range f.store.Events() {
		if ev.RoutingKey == contractsmq.RoutingApprovalDecided {
			decided++
		}
	}
	if decided != 1 {
		t.Fatalf("approval.decided events = %d, want 1", decided)
	}
}
