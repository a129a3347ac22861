package project

import (
	"context"
	"encoding/json"
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

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store, service.NewGates(zap.NewNop()), zap.NewNop()), store
}

func TestSelfModeWalksAllGates(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)

	p, err := svc.Create(ctx, owner, CreateInput{Title: "  Pet sitters  "})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Title != "Pet sitters" || p.ReviewMode != model.ReviewSelf || p.Stage != workflow.StageIdea || p.Gate != workflow.Gate1 {
		t.Fatalf("unexpected new project: %+v", p)
	}

	if _, err := svc.SaveIdea(ctx, owner, p.ID, IdeaInput{Problem: "p", Solution: "s"}); err != nil {
		t.Fatalf("SaveIdea: %v", err)
	}
	res, err := svc.ConfirmIdea(ctx, owner, p.ID)
	if err != nil {
		t.Fatalf("ConfirmIdea: %v", err)
	}
	if !res.GatePassed || res.Project.Stage != workflow.StageEvaluation || res.Project.Gate1PassedAt == nil {
		t.Fatalf("gate_1 not passed: %+v", res)
	}

	eval := servicetest.CompletedEvaluation(t, store, res.Project, false)
	res, err = svc.ConfirmEvaluation(ctx, owner, eval.ID)
	if err != nil {
		t.Fatalf("ConfirmEvaluation: %v", err)
	}
	if !res.GatePassed || res.Project.Stage != workflow.StageDocument {
		t.Fatalf("gate_2 not passed: %+v", res)
	}

	for i, docType := range workflow.RequiredDocTypes() {
		doc := servicetest.Document(t, store, res.Project, docType, "# draft")
		res, err = svc.ConfirmDocument(ctx, owner, doc.ID)
		if err != nil {
			t.Fatalf("ConfirmDocument(%s): %v", docType, err)
		}
		last := i == len(workflow.RequiredDocTypes())-1
		if res.GatePassed != last {
			t.Fatalf("after %s gate passed = %v, want %v (missing %v)", docType, res.GatePassed, last, res.Missing)
		}
	}
	if res.Project.Stage != workflow.StageDeploy {
		t.Fatalf("stage = %s, want deploy", res.Project.Stage)
	}

	dep, err := svc.SaveDeployment(ctx, owner, p.ID, DeploymentInput{URL: "https://pets.example.com"})
	if err != nil {
		t.Fatalf("SaveDeployment: %v", err)
	}
	if dep.ShowcaseSlug == "" || !dep.IsPublic {
		t.Fatalf("unexpected deployment: %+v", dep)
	}
	res, err = svc.ConfirmDeployment(ctx, owner, p.ID)
	if err != nil {
		t.Fatalf("ConfirmDeployment: %v", err)
	}
	if res.Project.Gate != workflow.Completed || res.Project.Status != model.ProjectCompleted || res.Project.Gate4PassedAt == nil {
		t.Fatalf("project not completed: %+v", res.Project)
	}

	var passed int
	for _, ev := range store.Events() {
		if ev.RoutingKey == contractsmq.RoutingGatePassed {
			passed++
		}
	}
	if passed != 4 {
		t.Fatalf("gate_passed events = %d, want 4", passed)
	}

	items, err := svc.Showcase(ctx)
	if err != nil || len(items) != 1 || items[0].Slug != dep.ShowcaseSlug {
		t.Fatalf("Showcase = %+v, %v", items, err)
	}
	if _, err := svc.ShowcaseBySlug(ctx, dep.ShowcaseSlug); err != nil {
		t.Fatalf("ShowcaseBySlug: %v", err)
	}

	// 完成后不可再修改
	if _, err := svc.SaveDeployment(ctx, owner, p.ID, DeploymentInput{URL: "https://x.example.com"}); !errors.Is(err, service.ErrStageLocked) {
		t.Fatalf("SaveDeployment after completion err = %v, want ErrStageLocked", err)
	}
}

func TestStageItemsLockedOutsideTheirStage(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageEvaluation)

	if _, err := svc.SaveIdea(ctx, owner, p.ID, IdeaInput{Problem: "p", Solution: "s"}); !errors.Is(err, service.ErrStageLocked) {
		t.Fatalf("SaveIdea err = %v, want ErrStageLocked", err)
	}
	if _, err := svc.SaveDeployment(ctx, owner, p.ID, DeploymentInput{URL: "https://a.example.com"}); !errors.Is(err, service.ErrStageLocked) {
		t.Fatalf("SaveDeployment err = %v, want ErrStageLocked", err)
	}
}

func TestOnlyOwnerMutates(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	other := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageIdea)
	servicetest.ConfirmedIdea(t, store, p)

	if _, err := svc.ConfirmIdea(ctx, other, p.ID); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("ConfirmIdea by stranger err = %v, want ErrForbidden", err)
	}
	if _, err := svc.Get(ctx, other, p.ID); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("Get by stranger err = %v, want ErrForbidden", err)
	}
	admin := servicetest.User(t, store, model.RoleAdmin)
	if _, err := svc.Get(ctx, admin, p.ID); err != nil {
		t.Fatalf("Get by admin: %v", err)
	}
}

func TestSaveIdeaResetsConfirmation(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	mentor := servicetest.User(t, store, model.RoleMentor)
	p := servicetest.Project(t, store, owner, model.ReviewMentor, workflow.StageIdea)
	servicetest.AssignMentor(t, store, p, mentor)
	servicetest.ConfirmedIdea(t, store, p)

	card, err := svc.SaveIdea(ctx, owner, p.ID, IdeaInput{Problem: "new problem", Solution: "s"})
	if err != nil {
		t.Fatalf("SaveIdea: %v", err)
	}
	if card.IsConfirmed || card.ConfirmedBy != nil {
		t.Fatalf("confirmation not reset: %+v", card)
	}
}

func TestMentorModeOpensApproval(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	mentor := servicetest.User(t, store, model.RoleMentor)
	p := servicetest.Project(t, store, owner, model.ReviewMentor, workflow.StageIdea)
	if _, err := svc.SaveIdea(ctx, owner, p.ID, IdeaInput{Problem: "p", Solution: "s"}); err != nil {
		t.Fatalf("SaveIdea: %v", err)
	}

	if _, err := svc.ConfirmIdea(ctx, owner, p.ID); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("ConfirmIdea without mentor err = %v, want ErrInvalidInput", err)
	}

	if _, err := svc.AssignMentor(ctx, owner, p.ID, mentor.UserID); err != nil {
		t.Fatalf("AssignMentor: %v", err)
	}
	res, err := svc.ConfirmIdea(ctx, owner, p.ID)
	if err != nil {
		t.Fatalf("ConfirmIdea: %v", err)
	}
	if res.GatePassed || res.Approval == nil || res.Approval.Status != model.ApprovalPending {
		t.Fatalf("expected pending approval, got %+v", res)
	}
	if res.Project.Status != model.ProjectInReview || res.Project.Gate1PassedAt != nil {
		t.Fatalf("project should be in review without passing: %+v", res.Project)
	}

	if _, err := svc.SaveIdea(ctx, owner, p.ID, IdeaInput{Problem: "p2", Solution: "s"}); !errors.Is(err, service.ErrStageLocked) {
		t.Fatalf("SaveIdea while in review err = %v, want ErrStageLocked", err)
	}
	if _, err := svc.AssignMentor(ctx, owner, p.ID, mentor.UserID); !errors.Is(err, service.ErrStageLocked) {
		t.Fatalf("AssignMentor while in review err = %v, want ErrStageLocked", err)
	}

	events := store.Events()
	if len(events) != 1 || events[0].RoutingKey != contractsmq.RoutingApprovalRequested {
		t.Fatalf("events = %+v", events)
	}

	mentored, err := svc.ListMentored(ctx, mentor)
	if err != nil || len(mentored) != 1 {
		t.Fatalf("ListMentored = %v, %v", mentored, err)
	}
	view, err := svc.Progress(ctx, mentor, p.ID)
	if err != nil {
		t.Fatalf("Progress by mentor: %v", err)
	}
	if view.Pending == nil || len(view.Missing) != 0 {
		t.Fatalf("unexpected progress view: %+v", view)
	}
}

func TestAssignMentorRequiresMentorRole(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	plain := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewMentor, workflow.StageIdea)

	if _, err := svc.AssignMentor(ctx, owner, p.ID, plain.UserID); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.AssignMentor(ctx, owner, p.ID, 9999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAssignMentorOwnerOverride(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	mentor := servicetest.User(t, store, model.RoleMentor)
	admin := servicetest.User(t, store, model.RoleAdmin)
	p := servicetest.Project(t, store, owner, model.ReviewMentor, workflow.StageIdea)

	// 导师没有 project:override，不能替别人的项目指派自己
	if _, err := svc.AssignMentor(ctx, mentor, p.ID, mentor.UserID); !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("mentor err = %v, want ErrForbidden", err)
	}
	got, err := svc.AssignMentor(ctx, admin, p.ID, mentor.UserID)
	if err != nil {
		t.Fatalf("AssignMentor by admin: %v", err)
	}
	if !got.IsMentor(mentor.UserID) {
		t.Fatalf("mentor not assigned: %+v", got)
	}
}

func TestConfirmEvaluationRequiresLatest(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageEvaluation)

	old := servicetest.CompletedEvaluation(t, store, p, false)
	servicetest.CompletedEvaluation(t, store, p, false)

	if _, err := svc.ConfirmEvaluation(ctx, owner, old.ID); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestConfirmDocumentRequiresLatestVersion(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageDocument)

	v1 := servicetest.Document(t, store, p, workflow.DocPitchDeck, "v1")
	servicetest.Document(t, store, p, workflow.DocPitchDeck, "v2")

	if _, err := svc.ConfirmDocument(ctx, owner, v1.ID); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestProgressListsMissing(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageDocument)
	servicetest.Document(t, store, p, workflow.DocBusinessPlan, "bp")

	view, err := svc.Progress(ctx, owner, p.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	want := []string{string(workflow.DocBusinessPlan), string(workflow.DocPitchDeck), string(workflow.DocLandingPage)}
	if len(view.Missing) != len(want) {
		t.Fatalf("Missing = %v, want %v", view.Missing, want)
	}
	for i := range want {
		if view.Missing[i] != want[i] {
			t.Fatalf("Missing = %v, want %v", view.Missing, want)
		}
	}
}

func TestArchiveBlocksMutations(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageIdea)

	archived, err := svc.Archive(ctx, owner, p.ID)
	if err != nil || archived.Status != model.ProjectArchived {
		t.Fatalf("Archive = %+v, %v", archived, err)
	}
	if _, err := svc.SaveIdea(ctx, owner, p.ID, IdeaInput{Problem: "p", Solution: "s"}); !errors.Is(err, service.ErrStageLocked) {
		t.Fatalf("SaveIdea after archive err = %v, want ErrStageLocked", err)
	}
}

func TestArchiveClosesPendingApproval(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	mentor := servicetest.User(t, store, model.RoleMentor)
	p := servicetest.Project(t, store, owner, model.ReviewMentor, workflow.StageIdea)
	servicetest.AssignMentor(t, store, p, mentor)
	if _, err := svc.SaveIdea(ctx, owner, p.ID, IdeaInput{Problem: "p", Solution: "s"}); err != nil {
		t.Fatalf("SaveIdea: %v", err)
	}
	res, err := svc.ConfirmIdea(ctx, owner, p.ID)
	if err != nil || res.Approval == nil {
		t.Fatalf("ConfirmIdea = %+v, %v", res, err)
	}

	if _, err := svc.Archive(ctx, owner, p.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	a, err := store.Approvals().Get(ctx, res.Approval.ID)
	if err != nil || a.Status != model.ApprovalRejected || a.DecidedAt == nil {
		t.Fatalf("approval after archive = %+v, %v", a, err)
	}

	events := store.Events()
	if len(events) != 2 || events[1].RoutingKey != contractsmq.RoutingApprovalDecided {
		t.Fatalf("events = %+v", events)
	}
	var payload contractsmq.ApprovalDecidedPayload
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ApprovalID != a.ID || payload.Decision != model.ApprovalRejected || payload.Comment != "project archived" || payload.MentorID != mentor.UserID {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestSaveDeploymentValidatesURLAndKeepsSlug(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	owner := servicetest.User(t, store, model.RoleUser)
	p := servicetest.Project(t, store, owner, model.ReviewSelf, workflow.StageDeploy)

	if _, err := svc.SaveDeployment(ctx, owner, p.ID, DeploymentInput{URL: "ftp://nope"}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	first, err := svc.SaveDeployment(ctx, owner, p.ID, DeploymentInput{URL: "https://a.example.com"})
	if err != nil {
		t.Fatalf("SaveDeployment: %v", err)
	}
	private := false
	second, err := svc.SaveDeployment(ctx, owner, p.ID, DeploymentInput{URL: "https://b.example.com", IsPublic: &private})
	if err != nil {
		t.Fatalf("SaveDeployment again: %v", err)
	}
	if second.ShowcaseSlug != first.ShowcaseSlug || second.IsPublic {
		t.Fatalf("slug changed or flag ignored: %+v vs %+v", first, second)
	}
}
