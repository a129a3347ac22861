// Package memory 进程内的 storage.Store 实现，用于 db.driver=memory 的本地运行和服务层测试。
//
// 所有写操作都持有 txMu：事务内的写由 WithTx 持锁，事务外的写各自短暂加锁，
// 因此事务回滚恢复快照时不会覆盖其他写入。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"casa/internal/model"
	"casa/internal/storage"
	"casa/internal/workflow"
	"casa/pkg/outbox"
)

type data struct {
	seq int

	users         map[int]model.User
	projects      map[int]model.Project
	ideas         map[int]model.IdeaCard // key: project id
	evaluations   map[int]model.Evaluation
	documents     map[int]model.Document
	deployments   map[int]model.Deployment // key: project id
	approvals     map[int]model.Approval
	prompts       map[int]model.Prompt
	notifications map[int]model.Notification
	events        map[int64]outbox.Event
}

func newData() *data {
	return &data{
		users:         map[int]model.User{},
		projects:      map[int]model.Project{},
		ideas:         map[int]model.IdeaCard{},
		evaluations:   map[int]model.Evaluation{},
		documents:     map[int]model.Document{},
		deployments:   map[int]model.Deployment{},
		approvals:     map[int]model.Approval{},
		prompts:       map[int]model.Prompt{},
		notifications: map[int]model.Notification{},
		events:        map[int64]outbox.Event{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// clone 记录值在写入时已做过深拷贝，这里浅拷贝 map 即可
func (d *data) clone() *data {
	return &data{
		seq:           d.seq,
		users:         cloneMap(d.users),
		projects:      cloneMap(d.projects),
		ideas:         cloneMap(d.ideas),
		evaluations:   cloneMap(d.evaluations),
		documents:     cloneMap(d.documents),
		deployments:   cloneMap(d.deployments),
		approvals:     cloneMap(d.approvals),
		prompts:       cloneMap(d.prompts),
		notifications: cloneMap(d.notifications),
		events:        cloneMap(d.events),
	}
}

func (d *data) nextID() int {
	d.seq++
	return d.seq
}

type Store struct {
	txMu sync.Mutex // 串行化事务与事务外写入
	mu   sync.Mutex // 保护 d
	d    *data
	now  func() time.Time
}

var (
	_ storage.Store = (*Store)(nil)
	_ storage.Tx    = txView{}
)

func NewStore() *Store {
	return &Store{d: newData(), now: time.Now}
}

// SetClock 测试用
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(context.Context) error { return nil }

// WithTx fn 返回错误或 panic 时恢复到事务开始前的快照
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.restore(snapshot)
			panic(p)
		}
		if err != nil {
			s.restore(snapshot)
		}
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	return fn(txView{s})
}

func (s *Store) restore(snapshot *data) {
	s.mu.Lock()
	s.d = snapshot
	s.mu.Unlock()
}

// with 持锁访问数据
func (s *Store) with(fn func(d *data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.d)
}

// write 事务外的写入，等待进行中的事务结束
func (s *Store) write(fn func(d *data) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.with(fn)
}

// handle 仓储绑定的 Store；inTx 表示调用方已在 WithTx 中持有 txMu
type handle struct {
	s    *Store
	inTx bool
}

func (h handle) write(fn func(d *data) error) error {
	if h.inTx {
		return h.s.with(fn)
	}
	return h.s.write(fn)
}

// txView WithTx 交给 fn 的仓储集合
type txView struct{ s *Store }

func (v txView) h() handle { return handle{s: v.s, inTx: true} }

func (v txView) Users() storage.UserRepository                 { return userRepo{v.h()} }
func (v txView) Projects() storage.ProjectRepository           { return projectRepo{v.h()} }
func (v txView) Ideas() storage.IdeaRepository                 { return ideaRepo{v.h()} }
func (v txView) Evaluations() storage.EvaluationRepository     { return evaluationRepo{v.h()} }
func (v txView) Documents() storage.DocumentRepository         { return documentRepo{v.h()} }
func (v txView) Deployments() storage.DeploymentRepository     { return deploymentRepo{v.h()} }
func (v txView) Approvals() storage.ApprovalRepository         { return approvalRepo{v.h()} }
func (v txView) Prompts() storage.PromptRepository             { return promptRepo{v.h()} }
func (v txView) Notifications() storage.NotificationRepository { return notificationRepo{v.h()} }
func (v txView) Outbox() storage.OutboxWriter                  { return outboxWriter{v.h()} }

func (s *Store) Users() storage.UserRepository                 { return userRepo{handle{s: s}} }
func (s *Store) Projects() storage.ProjectRepository           { return projectRepo{handle{s: s}} }
func (s *Store) Ideas() storage.IdeaRepository                 { return ideaRepo{handle{s: s}} }
func (s *Store) Evaluations() storage.EvaluationRepository     { return evaluationRepo{handle{s: s}} }
func (s *Store) Documents() storage.DocumentRepository         { return documentRepo{handle{s: s}} }
func (s *Store) Deployments() storage.DeploymentRepository     { return deploymentRepo{handle{s: s}} }
func (s *Store) Approvals() storage.ApprovalRepository         { return approvalRepo{handle{s: s}} }
func (s *Store) Prompts() storage.PromptRepository             { return promptRepo{handle{s: s}} }
func (s *Store) Notifications() storage.NotificationRepository { return notificationRepo{handle{s: s}} }
func (s *Store) Outbox() storage.OutboxWriter                  { return outboxWriter{handle{s: s}} }

// users

type userRepo struct{ handle }

func (r userRepo) Create(_ context.Context, u *model.User) error {
	return r.write(func(d *data) error {
		u.Email = strings.ToLower(strings.TrimSpace(u.Email))
		for _, existing := range d.users {
			if existing.Email == u.Email {
				return storage.ErrConflict
			}
		}
		u.ID = d.nextID()
		u.CreatedAt = r.s.now()
		d.users[u.ID] = *u
		return nil
	})
}

func (r userRepo) GetByID(_ context.Context, id int) (*model.User, error) {
	var out *model.User
	err := r.s.with(func(d *data) error {
		u, ok := d.users[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = &u
		return nil
	})
	return out, err
}

func (r userRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var out *model.User
	err := r.s.with(func(d *data) error {
		for _, u := range d.users {
			if u.Email == email {
				u := u
				out = &u
				return nil
			}
		}
		return storage.ErrNotFound
	})
	return out, err
}

func (r userRepo) SetRole(_ context.Context, id int, role string) error {
	return r.write(func(d *data) error {
		u, ok := d.users[id]
		if !ok {
			return storage.ErrNotFound
		}
		u.Role = role
		d.users[id] = u
		return nil
	})
}

func (r userRepo) List(_ context.Context) ([]model.User, error) {
	var out []model.User
	err := r.s.with(func(d *data) error {
		for _, u := range d.users {
			out = append(out, u)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// projects

type projectRepo struct{ handle }

func (r projectRepo) Create(_ context.Context, p *model.Project) error {
	return r.write(func(d *data) error {
		if _, ok := d.users[p.OwnerID]; !ok {
			return storage.ErrNotFound
		}
		p.ID = d.nextID()
		now := r.s.now()
		p.CreatedAt, p.UpdatedAt = now, now
		d.projects[p.ID] = *p
		return nil
	})
}

func (r projectRepo) Get(_ context.Context, id int) (*model.Project, error) {
	var out *model.Project
	err := r.s.with(func(d *data) error {
		p, ok := d.projects[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

// GetForUpdate 事务已由 txMu 串行化
func (r projectRepo) GetForUpdate(ctx context.Context, id int) (*model.Project, error) {
	return r.Get(ctx, id)
}

func (r projectRepo) Update(_ context.Context, p *model.Project) error {
	return r.write(func(d *data) error {
		cur, ok := d.projects[p.ID]
		if !ok {
			return storage.ErrNotFound
		}
		// 与 SQL 的 COALESCE 一致：已写入的通过时间不会被覆盖
		next := *p
		next.OwnerID = cur.OwnerID
		next.ReviewMode = cur.ReviewMode
		next.CreatedAt = cur.CreatedAt
		next.Gate1PassedAt = firstNonNil(cur.Gate1PassedAt, p.Gate1PassedAt)
		next.Gate2PassedAt = firstNonNil(cur.Gate2PassedAt, p.Gate2PassedAt)
		next.Gate3PassedAt = firstNonNil(cur.Gate3PassedAt, p.Gate3PassedAt)
		next.Gate4PassedAt = firstNonNil(cur.Gate4PassedAt, p.Gate4PassedAt)
		next.UpdatedAt = r.s.now()
		d.projects[p.ID] = next
		p.UpdatedAt = next.UpdatedAt
		return nil
	})
}

func firstNonNil(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}

func (r projectRepo) ListByOwner(_ context.Context, ownerID int) ([]model.Project, error) {
	return r.filter(func(p model.Project) bool { return p.OwnerID == ownerID })
}

func (r projectRepo) ListByMentor(_ context.Context, mentorID int) ([]model.Project, error) {
	return r.filter(func(p model.Project) bool { return p.IsMentor(mentorID) })
}

func (r projectRepo) filter(keep func(model.Project) bool) ([]model.Project, error) {
	var out []model.Project
	err := r.s.with(func(d *data) error {
		for _, p := range d.projects {
			if keep(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, err
}

// ideas

type ideaRepo struct{ handle }

func (r ideaRepo) GetByProject(_ context.Context, projectID int) (*model.IdeaCard, error) {
	var out *model.IdeaCard
	err := r.s.with(func(d *data) error {
		c, ok := d.ideas[projectID]
		if !ok {
			return storage.ErrNotFound
		}
		out = &c
		return nil
	})
	return out, err
}

func (r ideaRepo) Upsert(_ context.Context, c *model.IdeaCard) error {
	return r.write(func(d *data) error {
		now := r.s.now()
		if cur, ok := d.ideas[c.ProjectID]; ok {
			c.ID = cur.ID
			c.CreatedAt = cur.CreatedAt
		} else {
			c.ID = d.nextID()
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		d.ideas[c.ProjectID] = *c
		return nil
	})
}

// evaluations

type evaluationRepo struct{ handle }

func cloneEvaluation(e model.Evaluation) model.Evaluation {
	if e.Results != nil {
		results := make([]model.PersonaResult, len(e.Results))
		copy(results, e.Results)
		e.Results = results
	}
	return e
}

func (r evaluationRepo) Create(_ context.Context, e *model.Evaluation) error {
	return r.write(func(d *data) error {
		if _, ok := d.projects[e.ProjectID]; !ok {
			return storage.ErrNotFound
		}
		e.ID = d.nextID()
		e.CreatedAt = r.s.now()
		d.evaluations[e.ID] = cloneEvaluation(*e)
		return nil
	})
}

func (r evaluationRepo) Get(_ context.Context, id int) (*model.Evaluation, error) {
	var out *model.Evaluation
	err := r.s.with(func(d *data) error {
		e, ok := d.evaluations[id]
		if !ok {
			return storage.ErrNotFound
		}
		e = cloneEvaluation(e)
		out = &e
		return nil
	})
	return out, err
}

func (r evaluationRepo) Update(_ context.Context, e *model.Evaluation) error {
	return r.write(func(d *data) error {
		cur, ok := d.evaluations[e.ID]
		if !ok {
			return storage.ErrNotFound
		}
		next := cloneEvaluation(*e)
		next.ProjectID = cur.ProjectID
		next.CreatedAt = cur.CreatedAt
		d.evaluations[e.ID] = next
		return nil
	})
}

func (r evaluationRepo) LatestCompleted(ctx context.Context, projectID int) (*model.Evaluation, error) {
	list, err := r.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if e.Status == model.EvaluationCompleted {
			e := e
			return &e, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListByProject 最新在前
func (r evaluationRepo) ListByProject(_ context.Context, projectID int) ([]model.Evaluation, error) {
	var out []model.Evaluation
	err := r.s.with(func(d *data) error {
		for _, e := range d.evaluations {
			if e.ProjectID == projectID {
				out = append(out, cloneEvaluation(e))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, err
}

func (r evaluationRepo) UnconfirmProject(_ context.Context, projectID int) error {
	return r.write(func(d *data) error {
		for id, e := range d.evaluations {
			if e.ProjectID == projectID && e.IsConfirmed {
				e.Unconfirm()
				d.evaluations[id] = e
			}
		}
		return nil
	})
}

// documents

type documentRepo struct{ handle }

func (r documentRepo) Create(_ context.Context, doc *model.Document) error {
	return r.write(func(d *data) error {
		if _, ok := d.projects[doc.ProjectID]; !ok {
			return storage.ErrNotFound
		}
		version := 0
		for _, existing := range d.documents {
			if existing.ProjectID == doc.ProjectID && existing.DocType == doc.DocType && existing.Version > version {
				version = existing.Version
			}
		}
		doc.ID = d.nextID()
		doc.Version = version + 1
		doc.CreatedAt = r.s.now()
		d.documents[doc.ID] = *doc
		return nil
	})
}

func (r documentRepo) Get(_ context.Context, id int) (*model.Document, error) {
	var out *model.Document
	err := r.s.with(func(d *data) error {
		doc, ok := d.documents[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = &doc
		return nil
	})
	return out, err
}

func (r documentRepo) SetConfirmation(_ context.Context, doc *model.Document) error {
	return r.write(func(d *data) error {
		cur, ok := d.documents[doc.ID]
		if !ok {
			return storage.ErrNotFound
		}
		cur.Confirmation = doc.Confirmation
		d.documents[doc.ID] = cur
		return nil
	})
}

func (r documentRepo) Latest(_ context.Context, projectID int) (map[workflow.DocType]model.Document, error) {
	out := map[workflow.DocType]model.Document{}
	err := r.s.with(func(d *data) error {
		for _, doc := range d.documents {
			if doc.ProjectID != projectID {
				continue
			}
			if cur, ok := out[doc.DocType]; !ok || doc.Version > cur.Version {
				out[doc.DocType] = doc
			}
		}
		return nil
	})
	return out, err
}

func (r documentRepo) ListVersions(_ context.Context, projectID int, docType workflow.DocType) ([]model.Document, error) {
	var out []model.Document
	err := r.s.with(func(d *data) error {
		for _, doc := range d.documents {
			if doc.ProjectID == projectID && doc.DocType == docType {
				out = append(out, doc)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, err
}

func (r documentRepo) UnconfirmProject(_ context.Context, projectID int) error {
	return r.write(func(d *data) error {
		for id, doc := range d.documents {
			if doc.ProjectID == projectID && doc.IsConfirmed {
				doc.Unconfirm()
				d.documents[id] = doc
			}
		}
		return nil
	})
}

// deployments

type deploymentRepo struct{ handle }

func (r deploymentRepo) GetByProject(_ context.Context, projectID int) (*model.Deployment, error) {
	var out *model.Deployment
	err := r.s.with(func(d *data) error {
		dep, ok := d.deployments[projectID]
		if !ok {
			return storage.ErrNotFound
		}
		out = &dep
		return nil
	})
	return out, err
}

func (r deploymentRepo) Upsert(_ context.Context, dep *model.Deployment) error {
	return r.write(func(d *data) error {
		now := r.s.now()
		if cur, ok := d.deployments[dep.ProjectID]; ok {
			dep.ID = cur.ID
			dep.ShowcaseSlug = cur.ShowcaseSlug
			dep.CreatedAt = cur.CreatedAt
		} else {
			for _, other := range d.deployments {
				if other.ShowcaseSlug == dep.ShowcaseSlug {
					return storage.ErrConflict
				}
			}
			dep.ID = d.nextID()
			dep.CreatedAt = now
		}
		dep.UpdatedAt = now
		d.deployments[dep.ProjectID] = *dep
		return nil
	})
}

func (r deploymentRepo) ListShowcase(_ context.Context) ([]model.Showcase, error) {
	var out []model.Showcase
	err := r.s.with(func(d *data) error {
		for _, dep := range d.deployments {
			if s, ok := showcaseOf(d, dep); ok {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out, err
}

func (r deploymentRepo) GetShowcase(_ context.Context, slug string) (*model.Showcase, error) {
	var out *model.Showcase
	err := r.s.with(func(d *data) error {
		for _, dep := range d.deployments {
			if dep.ShowcaseSlug != slug {
				continue
			}
			if s, ok := showcaseOf(d, dep); ok {
				out = &s
				return nil
			}
		}
		return storage.ErrNotFound
	})
	return out, err
}

func showcaseOf(d *data, dep model.Deployment) (model.Showcase, bool) {
	if !dep.IsPublic || !dep.IsConfirmed {
		return model.Showcase{}, false
	}
	p, ok := d.projects[dep.ProjectID]
	if !ok || p.Status != model.ProjectCompleted || p.Gate4PassedAt == nil {
		return model.Showcase{}, false
	}
	return model.Showcase{
		Slug:        dep.ShowcaseSlug,
		ProjectID:   p.ID,
		Title:       p.Title,
		Description: p.Description,
		URL:         dep.URL,
		CompletedAt: *p.Gate4PassedAt,
	}, true
}

// approvals

type approvalRepo struct{ handle }

func (r approvalRepo) Create(_ context.Context, a *model.Approval) error {
	return r.write(func(d *data) error {
		if a.Status == model.ApprovalPending {
			for _, existing := range d.approvals {
				if existing.ProjectID == a.ProjectID && existing.Status == model.ApprovalPending {
					return storage.ErrConflict
				}
			}
		}
		a.ID = d.nextID()
		a.CreatedAt = r.s.now()
		d.approvals[a.ID] = *a
		return nil
	})
}

func (r approvalRepo) Get(_ context.Context, id int) (*model.Approval, error) {
	var out *model.Approval
	err := r.s.with(func(d *data) error {
		a, ok := d.approvals[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

// GetForUpdate 事务已由 txMu 串行化
func (r approvalRepo) GetForUpdate(ctx context.Context, id int) (*model.Approval, error) {
	return r.Get(ctx, id)
}

func (r approvalRepo) GetPending(_ context.Context, projectID int) (*model.Approval, error) {
	var out *model.Approval
	err := r.s.with(func(d *data) error {
		for _, a := range d.approvals {
			if a.ProjectID == projectID && a.Status == model.ApprovalPending {
				a := a
				out = &a
				return nil
			}
		}
		return storage.ErrNotFound
	})
	return out, err
}

func (r approvalRepo) Update(_ context.Context, a *model.Approval) error {
	return r.write(func(d *data) error {
		cur, ok := d.approvals[a.ID]
		if !ok {
			return storage.ErrNotFound
		}
		if cur.Status != model.ApprovalPending {
			return fmt.Errorf("%w: approval %d is already %s", storage.ErrConflict, a.ID, cur.Status)
		}
		cur.Status = a.Status
		cur.Comment = a.Comment
		cur.DecidedAt = a.DecidedAt
		d.approvals[a.ID] = cur
		return nil
	})
}

func (r approvalRepo) ListPendingByMentor(_ context.Context, mentorID int) ([]model.Approval, error) {
	out := r.filter(func(a model.Approval) bool {
		return a.MentorID == mentorID && a.Status == model.ApprovalPending
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r approvalRepo) ListByProject(_ context.Context, projectID int) ([]model.Approval, error) {
	out := r.filter(func(a model.Approval) bool { return a.ProjectID == projectID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r approvalRepo) filter(keep func(model.Approval) bool) []model.Approval {
	var out []model.Approval
	_ = r.s.with(func(d *data) error {
		for _, a := range d.approvals {
			if keep(a) {
				out = append(out, a)
			}
		}
		return nil
	})
	return out
}

// prompts

type promptRepo struct{ handle }

func (r promptRepo) GetActive(_ context.Context, key string) (*model.Prompt, error) {
	var out *model.Prompt
	err := r.s.with(func(d *data) error {
		for _, p := range d.prompts {
			if p.Key == key && p.IsActive {
				p := p
				out = &p
				return nil
			}
		}
		return storage.ErrNotFound
	})
	return out, err
}

func (r promptRepo) CreateVersion(_ context.Context, p *model.Prompt) error {
	return r.write(func(d *data) error {
		version := 0
		for id, existing := range d.prompts {
			if existing.Key != p.Key {
				continue
			}
			if existing.Version > version {
				version = existing.Version
			}
			if existing.IsActive {
				existing.IsActive = false
				d.prompts[id] = existing
			}
		}
		p.ID = d.nextID()
		p.Version = version + 1
		p.IsActive = true
		p.UpdatedAt = r.s.now()
		d.prompts[p.ID] = *p
		return nil
	})
}

func (r promptRepo) List(_ context.Context) ([]model.Prompt, error) {
	var out []model.Prompt
	err := r.s.with(func(d *data) error {
		for _, p := range d.prompts {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version > out[j].Version
	})
	return out, err
}

// notifications

type notificationRepo struct{ handle }

func (r notificationRepo) Create(_ context.Context, n *model.Notification) (bool, error) {
	created := false
	err := r.write(func(d *data) error {
		if n.EventKey != "" {
			for _, existing := range d.notifications {
				if existing.UserID == n.UserID && existing.EventKey == n.EventKey {
					return nil
				}
			}
		}
		n.ID = d.nextID()
		n.CreatedAt = r.s.now()
		d.notifications[n.ID] = *n
		created = true
		return nil
	})
	return created, err
}

func (r notificationRepo) ListByUser(_ context.Context, userID int, unreadOnly bool) ([]model.Notification, error) {
	var out []model.Notification
	err := r.s.with(func(d *data) error {
		for _, n := range d.notifications {
			if n.UserID == userID && (!unreadOnly || !n.IsRead) {
				out = append(out, n)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, err
}

func (r notificationRepo) MarkRead(_ context.Context, id, userID int) error {
	return r.write(func(d *data) error {
		n, ok := d.notifications[id]
		if !ok || n.UserID != userID {
			return storage.ErrNotFound
		}
		n.IsRead = true
		d.notifications[id] = n
		return nil
	})
}
