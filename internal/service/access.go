package service

import (
	"fmt"

	"casa/internal/model"
	"casa/internal/workflow"
)

// RequireOwner 只有项目所有者可以修改项目
func RequireOwner(p *model.Project, actor Actor) error {
	if p.OwnerID != actor.UserID {
		return fmt.Errorf("%w: project %d is not owned by user %d", ErrForbidden, p.ID, actor.UserID)
	}
	return nil
}

// RequireReader 所有者、指派导师或管理员
func RequireReader(p *model.Project, actor Actor) error {
	if p.OwnerID == actor.UserID || p.IsMentor(actor.UserID) || actor.IsAdmin() {
		return nil
	}
	return fmt.Errorf("%w: user %d cannot read project %d", ErrForbidden, actor.UserID, p.ID)
}

// RequireMentor 指派导师或管理员
func RequireMentor(p *model.Project, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.IsMentor() && p.IsMentor(actor.UserID) {
		return nil
	}
	return fmt.Errorf("%w: user %d is not the mentor of project %d", ErrForbidden, actor.UserID, p.ID)
}

// RequireStage 阶段物料只能在所属阶段修改，审核期间锁定
func RequireStage(p *model.Project, stage workflow.Stage) error {
	if p.Locked() {
		return fmt.Errorf("%w: project is %s", ErrStageLocked, p.Status)
	}
	if p.Stage != stage {
		return fmt.Errorf("%w: project is in stage %s, not %s", ErrStageLocked, p.Stage, stage)
	}
	if p.Status == model.ProjectInReview {
		return fmt.Errorf("%w: project is waiting for mentor review", ErrStageLocked)
	}
	return nil
}

// RequireConfirmable 导师模式必须先指派导师
func RequireConfirmable(p *model.Project) error {
	if p.ReviewMode == model.ReviewMentor && !p.HasMentor() {
		return InvalidInput("project %d needs a mentor before items can be confirmed", p.ID)
	}
	return nil
}
