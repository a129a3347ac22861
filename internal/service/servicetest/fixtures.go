// Package servicetest 服务层测试共用的内存数据构造
package servicetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"casa/internal/model"
	"casa/internal/repository/memory"
	"casa/internal/service"
	"casa/internal/workflow"
)

var seq int

func User(t *testing.T, s *memory.Store, role string) service.Actor {
	t.Helper()
	seq++
	u := model.User{Email: fmt.Sprintf("user%d@example.com", seq), DisplayName: role, Role: role}
	if err := s.Users().Create(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return service.Actor{UserID: u.ID, Role: u.Role}
}

// Project 直接写入一个位于 stage 的项目，之前的关卡都视为已通过
func Project(t *testing.T, s *memory.Store, owner service.Actor, mode string, stage workflow.Stage) *model.Project {
	t.Helper()
	p := &model.Project{
		OwnerID:    owner.UserID,
		Title:      "Pet sitter marketplace",
		ReviewMode: mode,
		Status:     model.ProjectActive,
		Progress:   workflow.Start(),
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for p.Stage != stage {
		next, _, err := workflow.Advance(p.Progress, p.Gate, now)
		if err != nil {
			t.Fatalf("advance to %s: %v", stage, err)
		}
		p.Progress = next
	}
	if stage == workflow.StageDone {
		p.Status = model.ProjectCompleted
	}
	if err := s.Projects().Create(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// AssignMentor 绕过服务层直接指派
func AssignMentor(t *testing.T, s *memory.Store, p *model.Project, mentor service.Actor) {
	t.Helper()
	id := mentor.UserID
	p.MentorID = &id
	if err := s.Projects().Update(context.Background(), p); err != nil {
		t.Fatalf("assign mentor: %v", err)
	}
}

// ConfirmedIdea 写入一张已确认的创意卡
func ConfirmedIdea(t *testing.T, s *memory.Store, p *model.Project) *model.IdeaCard {
	t.Helper()
	card := &model.IdeaCard{
		ProjectID:        p.ID,
		Problem:          "Pet owners cannot find trusted sitters",
		Solution:         "Vetted sitters with live updates",
		TargetCustomer:   "Urban dog owners",
		ValueProposition: "Peace of mind while travelling",
	}
	card.Confirm(p.OwnerID, time.Now().UTC())
	if err := s.Ideas().Upsert(context.Background(), card); err != nil {
		t.Fatalf("upsert idea: %v", err)
	}
	return card
}

// CompletedEvaluation 写入一次已完成的评估
func CompletedEvaluation(t *testing.T, s *memory.Store, p *model.Project, confirmed bool) *model.Evaluation {
	t.Helper()
	e := &model.Evaluation{
		ProjectID:  p.ID,
		Status:     model.EvaluationCompleted,
		TotalScore: 72.3,
		Results: []model.PersonaResult{
			{Persona: "investor", Provider: "static", Score: 70, Summary: "Fundable niche"},
			{Persona: "market", Provider: "static", Score: 75, Summary: "Crowded but growing"},
			{Persona: "tech", Provider: "static", Score: 72, Summary: "Straightforward build"},
		},
	}
	if confirmed {
		e.Confirm(p.OwnerID, time.Now().UTC())
	}
	if err := s.Evaluations().Create(context.Background(), e); err != nil {
		t.Fatalf("create evaluation: %v", err)
	}
	return e
}

func Document(t *testing.T, s *memory.Store, p *model.Project, docType workflow.DocType, content string) *model.Document {
	t.Helper()
	d := &model.Document{ProjectID: p.ID, DocType: docType, Title: string(docType), Content: content, CreatedBy: p.OwnerID}
	if err := s.Documents().Create(context.Background(), d); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return d
}
