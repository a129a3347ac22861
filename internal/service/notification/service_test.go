package notification

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	contractsmq "casa/contracts/mq"
	"casa/internal/model"
	"casa/internal/repository/memory"
	"casa/internal/service/servicetest"
	"casa/internal/storage"
	"casa/internal/workflow"
)

func TestEventsCreateIdempotentNotifications(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store.Notifications(), zap.NewNop())
	owner := servicetest.User(t, store, model.RoleUser)
	mentor := servicetest.User(t, store, model.RoleMentor)
	p := servicetest.Project(t, store, owner, model.ReviewMentor, workflow.StageIdea)

	passed := contractsmq.ProjectGatePassedPayload{EventKey: "ev-1", ProjectID: p.ID, OwnerID: owner.UserID, Title: "Pets", Gate: "gate_1", NextStage: "evaluation", NextGate: "gate_2"}
	created, err := svc.GatePassed(ctx, passed)
	if err != nil || !created {
		t.Fatalf("GatePassed = %v, %v", created, err)
	}
	created, err = svc.GatePassed(ctx, passed)
	if err != nil || created {
		t.Fatalf("duplicate GatePassed = %v, %v", created, err)
	}

	if _, err := svc.ApprovalRequested(ctx, contractsmq.ApprovalRequestedPayload{EventKey: "ev-2", ProjectID: p.ID, MentorID: mentor.UserID, Title: "Pets", Gate: "gate_2"}); err != nil {
		t.Fatalf("ApprovalRequested: %v", err)
	}
	if _, err := svc.ApprovalDecided(ctx, contractsmq.ApprovalDecidedPayload{EventKey: "ev-3", ProjectID: p.ID, OwnerID: owner.UserID, Title: "Pets", Gate: "gate_2", Decision: model.ApprovalRevisionRequested, Comment: "more data"}); err != nil {
		t.Fatalf("ApprovalDecided: %v", err)
	}

	ownerItems, err := svc.ListForUser(ctx, owner, false)
	if err != nil || len(ownerItems) != 2 {
		t.Fatalf("owner notifications = %+v, %v", ownerItems, err)
	}
	var decided *model.Notification
	for i := range ownerItems {
		if ownerItems[i].Kind == model.NotifyApprovalDecided {
			decided = &ownerItems[i]
		}
	}
	if decided == nil || !strings.Contains(decided.Message, "revision") || !strings.Contains(decided.Message, "more data") {
		t.Fatalf("unexpected decided notification: %+v", decided)
	}

	mentorItems, err := svc.ListForUser(ctx, mentor, true)
	if err != nil || len(mentorItems) != 1 || mentorItems[0].Kind != model.NotifyApprovalRequested {
		t.Fatalf("mentor notifications = %+v, %v", mentorItems, err)
	}

	if err := svc.MarkRead(ctx, owner, mentorItems[0].ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("marking someone else's notification err = %v, want ErrNotFound", err)
	}
	if err := svc.MarkRead(ctx, mentor, mentorItems[0].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	unread, err := svc.ListForUser(ctx, mentor, true)
	if err != nil || len(unread) != 0 {
		t.Fatalf("unread after MarkRead = %+v, %v", unread, err)
	}
}
