package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/llm"
	"casa/internal/model"
	"casa/internal/mqhandler"
	"casa/internal/repository/memory"
	"casa/internal/service"
	"casa/internal/service/approval"
	"casa/internal/service/auth"
	"casa/internal/service/document"
	"casa/internal/service/evaluation"
	"casa/internal/service/notification"
	"casa/internal/service/project"
	"casa/internal/service/prompt"
	"casa/pkg/circuitbreaker"
	"casa/pkg/mq"
	"casa/pkg/outbox"
)

const testSecret = "test-secret"

type testServer struct {
	router     *gin.Engine
	store      *memory.Store
	dispatcher *outbox.Dispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	store := memory.NewStore()

	router := llm.NewRouter(llm.RouterConfig{
		DefaultProvider: "static",
		Timeout:         5 * time.Second,
		Breaker:         circuitbreaker.DefaultConfig(),
	}, log, llm.NewStatic(nil))

	prompts := prompt.NewService(store, nil, log)
	if _, err := prompts.Seed(context.Background()); err != nil {
		t.Fatalf("seed prompts: %v", err)
	}
	gates := service.NewGates(log)
	authSvc := auth.NewService(store.Users(), testSecret, time.Hour, log)
	notifications := notification.NewService(store.Notifications(), log)

	bus := mq.NewLocalBus(log)
	handler := mqhandler.NewNotificationHandler(notifications, nil, nil, nil, 3, log)
	for _, r := range handler.Routes() {
		bus.Subscribe(r.RoutingKey, r.Handle)
	}

	r := NewRouter(RouterDeps{
		JWTSecret:     testSecret,
		Store:         store,
		Publisher:     bus,
		Logger:        log,
		Auth:          NewAuthHandler(authSvc, log),
		Projects:      NewProjectHandler(project.NewService(store, gates, log), log),
		AI:            NewAIHandler(evaluation.NewService(store, prompts, router, nil, log), document.NewService(store, prompts, router, log), log),
		Approvals:     NewApprovalHandler(approval.NewService(store, gates, log), log),
		Notifications: NewNotificationHandler(notifications, log),
		Admin:         NewAdminHandler(authSvc, prompts, outbox.NewReplayService(store, bus, log), log),
	})
	return &testServer{
		router:     r,
		store:      store,
		dispatcher: outbox.NewDispatcher(store, bus, log),
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// login 注册并登录，role 非 user 时直接改库
func (s *testServer) login(t *testing.T, email, role string) (string, int) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/register", "", map[string]string{"email": email, "password": "s3cret-pass"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	var u model.User
	decode(t, w, &u)
	if role != model.RoleUser {
		if err := s.store.Users().SetRole(context.Background(), u.ID, role); err != nil {
			t.Fatalf("set role: %v", err)
		}
	}
	w = s.do(t, http.MethodPost, "/login", "", map[string]string{"email": email, "password": "s3cret-pass"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	decode(t, w, &out)
	return out.Token, u.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)
	expect(t, s.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	expect(t, s.do(t, http.MethodGet, "/readyz", "", nil), http.StatusOK)
	expect(t, s.do(t, http.MethodGet, "/metrics", "", nil), http.StatusOK)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	expect(t, s.do(t, http.MethodGet, "/projects", "", nil), http.StatusUnauthorized)
	expect(t, s.do(t, http.MethodGet, "/projects", "garbage", nil), http.StatusUnauthorized)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)
	expect(t, s.do(t, http.MethodPost, "/register", "", map[string]string{"email": "nope", "password": "s3cret-pass"}), http.StatusBadRequest)
	expect(t, s.do(t, http.MethodPost, "/register", "", map[string]string{"email": "a@example.com", "password": "short"}), http.StatusBadRequest)

	s.login(t, "a@example.com", model.RoleUser)
	w := s.do(t, http.MethodPost, "/register", "", map[string]string{"email": "A@example.com", "password": "s3cret-pass"})
	expect(t, w, http.StatusConflict)

	w = s.do(t, http.MethodPost, "/login", "", map[string]string{"email": "a@example.com", "password": "wrong-pass"})
	expect(t, w, http.StatusUnauthorized)
}

func TestSelfModeJourneyOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token, ownerID := s.login(t, "founder@example.com", model.RoleUser)

	w := s.do(t, http.MethodPost, "/projects", token, map[string]string{"title": "Pet sitters"})
	expect(t, w, http.StatusCreated)
	var p model.Project
	decode(t, w, &p)
	base := "/projects/" + itoa(p.ID)

	// 还没有 idea card
	expect(t, s.do(t, http.MethodPost, base+"/idea/confirm", token, nil), http.StatusNotFound)
	w = s.do(t, http.MethodGet, base+"/progress", token, nil)
	expect(t, w, http.StatusOK)
	var progress struct {
		Gate    string   `json:"current_gate"`
		Missing []string `json:"missing"`
	}
	decode(t, w, &progress)
	if progress.Gate != "gate_1" || len(progress.Missing) != 1 || progress.Missing[0] != "idea_card" {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	// evaluation 阶段未开放
	expect(t, s.do(t, http.MethodPost, base+"/evaluations", token, nil), http.StatusConflict)

	expect(t, s.do(t, http.MethodPut, base+"/idea", token, map[string]string{
		"problem":  "Pet owners cannot find trusted sitters",
		"solution": "Vetted marketplace",
	}), http.StatusOK)
	w = s.do(t, http.MethodPost, base+"/idea/confirm", token, nil)
	expect(t, w, http.StatusOK)
	var gr service.GateResult
	decode(t, w, &gr)
	if !gr.GatePassed || gr.Project.Stage != "evaluation" {
		t.Fatalf("gate 1 not passed: %+v", gr)
	}

	w = s.do(t, http.MethodPost, base+"/evaluations", token, nil)
	expect(t, w, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	for _, ev := range []string{"event:persona_started", "event:persona_delta", "event:evaluation_completed"} {
		if !strings.Contains(w.Body.String(), ev) {
			t.Fatalf("stream missing %s:\n%s", ev, w.Body.String())
		}
	}

	w = s.do(t, http.MethodGet, base+"/evaluations/latest", token, nil)
	expect(t, w, http.StatusOK)
	var eval model.Evaluation
	decode(t, w, &eval)
	if eval.Status != model.EvaluationCompleted || len(eval.Results) != 3 {
		t.Fatalf("unexpected evaluation: %+v", eval)
	}
	w = s.do(t, http.MethodPost, "/evaluations/"+itoa(eval.ID)+"/confirm", token, nil)
	expect(t, w, http.StatusOK)

	expect(t, s.do(t, http.MethodPost, base+"/documents/memo/generate", token, nil), http.StatusBadRequest)
	for _, docType := range []string{"business_plan", "pitch_deck", "landing_page"} {
		w = s.do(t, http.MethodPost, base+"/documents/"+docType+"/generate", token, nil)
		expect(t, w, http.StatusOK)
		if !strings.Contains(w.Body.String(), "event:document_completed") {
			t.Fatalf("%s stream incomplete:\n%s", docType, w.Body.String())
		}
	}

	w = s.do(t, http.MethodGet, base+"/documents", token, nil)
	expect(t, w, http.StatusOK)
	var docs struct {
		Documents []model.Document `json:"documents"`
	}
	decode(t, w, &docs)
	if len(docs.Documents) != 3 {
		t.Fatalf("documents = %d", len(docs.Documents))
	}
	for i, d := range docs.Documents {
		id := d.ID
		if i == 0 {
			// 手工编辑产生新版本，确认新版本
			w = s.do(t, http.MethodPut, "/documents/"+itoa(d.ID), token, map[string]string{"content": "# Business plan\n\nEdited"})
			expect(t, w, http.StatusCreated)
			var edited model.Document
			decode(t, w, &edited)
			if edited.Version != 2 || edited.Model != "manual" {
				t.Fatalf("unexpected edit: %+v", edited)
			}
			expect(t, s.do(t, http.MethodPost, "/documents/"+itoa(d.ID)+"/confirm", token, nil), http.StatusConflict)
			id = edited.ID
		}
		expect(t, s.do(t, http.MethodPost, "/documents/"+itoa(id)+"/confirm", token, nil), http.StatusOK)
	}

	expect(t, s.do(t, http.MethodPut, base+"/deployment", token, map[string]string{"url": "ftp://nope"}), http.StatusBadRequest)
	w = s.do(t, http.MethodPut, base+"/deployment", token, map[string]string{"url": "https://petsitters.example.com"})
	expect(t, w, http.StatusOK)
	var dep model.Deployment
	decode(t, w, &dep)

	w = s.do(t, http.MethodPost, base+"/deployment/confirm", token, nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &gr)
	if gr.Project.Status != model.ProjectCompleted || gr.Project.Gate != "completed" {
		t.Fatalf("project not completed: %+v", gr.Project)
	}

	// 完成后锁定
	expect(t, s.do(t, http.MethodPut, base+"/idea", token, map[string]string{"problem": "x", "solution": "y"}), http.StatusConflict)

	w = s.do(t, http.MethodGet, "/showcase/"+dep.ShowcaseSlug, "", nil)
	expect(t, w, http.StatusOK)
	var item model.Showcase
	decode(t, w, &item)
	if item.ProjectID != p.ID || item.URL != "https://petsitters.example.com" {
		t.Fatalf("unexpected showcase: %+v", item)
	}

	// 通过本地总线把 outbox 事件投递给通知处理器
	if n := s.dispatcher.ProcessPendingEvents(context.Background()); n != 4 {
		t.Fatalf("dispatched %d events, want 4", n)
	}
	w = s.do(t, http.MethodGet, "/notifications?unread=true", token, nil)
	expect(t, w, http.StatusOK)
	var notes struct {
		Notifications []model.Notification `json:"notifications"`
	}
	decode(t, w, &notes)
	if len(notes.Notifications) != 4 {
		t.Fatalf("notifications = %d, want 4", len(notes.Notifications))
	}
	for _, n := range notes.Notifications {
		if n.UserID != ownerID {
			t.Fatalf("notification for wrong user: %+v", n)
		}
	}
	expect(t, s.do(t, http.MethodPost, "/notifications/"+itoa(notes.Notifications[0].ID)+"/read", token, nil), http.StatusNoContent)
	w = s.do(t, http.MethodGet, "/notifications?unread=true", token, nil)
	decode(t, w, &notes)
	if len(notes.Notifications) != 3 {
		t.Fatalf("unread after mark = %d", len(notes.Notifications))
	}
}

func TestMentorReviewOverHTTP(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.login(t, "owner@example.com", model.RoleUser)
	mentor, mentorID := s.login(t, "mentor@example.com", model.RoleMentor)
	stranger, _ := s.login(t, "stranger@example.com", model.RoleUser)

	w := s.do(t, http.MethodPost, "/projects", owner, map[string]string{"title": "Tutors", "review_mode": "mentor"})
	expect(t, w, http.StatusCreated)
	var p model.Project
	decode(t, w, &p)
	base := "/projects/" + itoa(p.ID)

	expect(t, s.do(t, http.MethodGet, base, stranger, nil), http.StatusForbidden)
	expect(t, s.do(t, http.MethodGet, "/mentor/approvals", stranger, nil), http.StatusForbidden)

	expect(t, s.do(t, http.MethodPut, base+"/idea", owner, map[string]string{"problem": "p", "solution": "s"}), http.StatusOK)
	// 没有导师时不能确认
	expect(t, s.do(t, http.MethodPost, base+"/idea/confirm", owner, nil), http.StatusBadRequest)

	expect(t, s.do(t, http.MethodPut, base+"/mentor", owner, map[string]int{"mentor_id": mentorID}), http.StatusOK)

	// idea 未确认时不能申请审核
	w = s.do(t, http.MethodPost, base+"/approvals", owner, nil)
	expect(t, w, http.StatusUnprocessableEntity)
	var unmet struct {
		Gate    string   `json:"gate"`
		Missing []string `json:"missing"`
	}
	decode(t, w, &unmet)
	if unmet.Gate != "gate_1" || len(unmet.Missing) != 1 || unmet.Missing[0] != "idea_card" {
		t.Fatalf("unexpected unmet body: %+v", unmet)
	}

	w = s.do(t, http.MethodPost, base+"/idea/confirm", owner, nil)
	expect(t, w, http.StatusOK)
	var gr service.GateResult
	decode(t, w, &gr)
	if gr.GatePassed || gr.Approval == nil || gr.Project.Status != model.ProjectInReview {
		t.Fatalf("expected pending approval: %+v", gr)
	}

	w = s.do(t, http.MethodGet, "/mentor/approvals", mentor, nil)
	expect(t, w, http.StatusOK)

	decision := "/approvals/" + itoa(gr.Approval.ID) + "/decision"
	expect(t, s.do(t, http.MethodPost, decision, owner, map[string]string{"decision": "approve"}), http.StatusForbidden)
	expect(t, s.do(t, http.MethodPost, decision, mentor, map[string]string{"decision": "revision_requested"}), http.StatusBadRequest)

	w = s.do(t, http.MethodPost, decision, mentor, map[string]string{"decision": "approve", "comment": "go"})
	expect(t, w, http.StatusOK)
	var res approval.DecideResult
	decode(t, w, &res)
	if res.Project.Stage != "evaluation" || res.Approval.Status != model.ApprovalApproved {
		t.Fatalf("unexpected decision result: %+v", res)
	}
	expect(t, s.do(t, http.MethodPost, decision, mentor, map[string]string{"decision": "approve"}), http.StatusConflict)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	user, userID := s.login(t, "user@example.com", model.RoleUser)
	admin, _ := s.login(t, "admin@example.com", model.RoleAdmin)

	expect(t, s.do(t, http.MethodGet, "/admin/prompts", user, nil), http.StatusForbidden)

	w := s.do(t, http.MethodGet, "/admin/prompts", admin, nil)
	expect(t, w, http.StatusOK)
	var list struct {
		Prompts []model.Prompt `json:"prompts"`
	}
	decode(t, w, &list)
	if len(list.Prompts) != len(prompt.Defaults()) {
		t.Fatalf("prompts = %d", len(list.Prompts))
	}

	expect(t, s.do(t, http.MethodPut, "/admin/prompts/document.pitch_deck", admin, map[string]string{
		"user_template": "{{ .Title",
	}), http.StatusBadRequest)

	expect(t, s.do(t, http.MethodPut, "/admin/users/"+itoa(userID)+"/role", admin, map[string]string{"role": "root"}), http.StatusBadRequest)
	w = s.do(t, http.MethodPut, "/admin/users/"+itoa(userID)+"/role", admin, map[string]string{"role": "mentor"})
	expect(t, w, http.StatusOK)
	var u model.User
	decode(t, w, &u)
	if u.Role != model.RoleMentor {
		t.Fatalf("role = %q", u.Role)
	}

	w = s.do(t, http.MethodPost, "/admin/outbox/replay?limit=10", admin, nil)
	expect(t, w, http.StatusOK)
	expect(t, s.do(t, http.MethodPost, "/admin/outbox/replay?limit=0", admin, nil), http.StatusBadRequest)
	expect(t, s.do(t, http.MethodPost, "/admin/outbox/999/replay", admin, nil), http.StatusNotFound)
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
