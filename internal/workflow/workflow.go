// Package workflow 描述项目从 idea 到 done 的阶段与关卡状态机，不做任何 I/O。
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Stage string

const (
	StageIdea       Stage = "idea"
	StageEvaluation Stage = "evaluation"
	StageDocument   Stage = "document"
	StageDeploy     Stage = "deploy"
	StageDone       Stage = "done"
)

type Gate string

const (
	Gate1     Gate = "gate_1"
	Gate2     Gate = "gate_2"
	Gate3     Gate = "gate_3"
	Gate4     Gate = "gate_4"
	Completed Gate = "completed"
)

type DocType string

const (
	DocBusinessPlan DocType = "business_plan"
	DocPitchDeck    DocType = "pitch_deck"
	DocLandingPage  DocType = "landing_page"
)

var (
	ErrGateMismatch = errors.New("gate is not the current gate")
	ErrNoTransition = errors.New("no transition from gate")
	ErrInvalidStage = errors.New("invalid stage")
	ErrInvalidGate  = errors.New("invalid gate")
	ErrInvalidDoc   = errors.New("invalid document type")
)

// Transition 一次关卡通过后的目标位置
type Transition struct {
	From      Gate  `json:"from"`
	NextStage Stage `json:"next_stage"`
	NextGate  Gate  `json:"next_gate"`
}

// 静态转移表
var transitions = map[Gate]Transition{
	Gate1: {From: Gate1, NextStage: StageEvaluation, NextGate: Gate2},
	Gate2: {From: Gate2, NextStage: StageDocument, NextGate: Gate3},
	Gate3: {From: Gate3, NextStage: StageDeploy, NextGate: Gate4},
	Gate4: {From: Gate4, NextStage: StageDone, NextGate: Completed},
}

var gateStages = map[Gate]Stage{
	Gate1:     StageIdea,
	Gate2:     StageEvaluation,
	Gate3:     StageDocument,
	Gate4:     StageDeploy,
	Completed: StageDone,
}

var requiredDocs = []DocType{DocBusinessPlan, DocPitchDeck, DocLandingPage}

func ParseStage(s string) (Stage, error) {
	switch st := Stage(strings.TrimSpace(s)); st {
	case StageIdea, StageEvaluation, StageDocument, StageDeploy, StageDone:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
}

func ParseGate(s string) (Gate, error) {
	g := Gate(strings.TrimSpace(s))
	if _, ok := gateStages[g]; ok {
		return g, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGate, s)
}

func ParseDocType(s string) (DocType, error) {
	d := DocType(strings.TrimSpace(s))
	for _, req := range requiredDocs {
		if d == req {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDoc, s)
}

// RequiredDocTypes gate_3 需要确认的文档类型，顺序固定
func RequiredDocTypes() []DocType {
	out := make([]DocType, len(requiredDocs))
	copy(out, requiredDocs)
	return out
}

// Next 查表；completed 没有后继
func Next(g Gate) (Transition, error) {
	t, ok := transitions[g]
	if !ok {
		return Transition{}, fmt.Errorf("%w %q", ErrNoTransition, g)
	}
	return t, nil
}

// StageOf 返回关卡开放时项目所处的阶段
func StageOf(g Gate) Stage {
	return gateStages[g]
}

// GateNumber gate_1 -> 1，其他返回 0
func GateNumber(g Gate) int {
	switch g {
	case Gate1:
		return 1
	case Gate2:
		return 2
	case Gate3:
		return 3
	case Gate4:
		return 4
	}
	return 0
}

// Progress 项目在状态机中的位置
type Progress struct {
	Stage         Stage      `json:"current_stage"`
	Gate          Gate       `json:"current_gate"`
	Gate1PassedAt *time.Time `json:"gate_1_passed_at,omitempty"`
	Gate2PassedAt *time.Time `json:"gate_2_passed_at,omitempty"`
	Gate3PassedAt *time.Time `json:"gate_3_passed_at,omitempty"`
	Gate4PassedAt *time.Time `json:"gate_4_passed_at,omitempty"`
}

// Start 新项目的初始位置
func Start() Progress {
	return Progress{Stage: StageIdea, Gate: Gate1}
}

// PassedAt 返回关卡通过时间，未通过为 nil
func PassedAt(p Progress, g Gate) *time.Time {
	switch g {
	case Gate1:
		return p.Gate1PassedAt
	case Gate2:
		return p.Gate2PassedAt
	case Gate3:
		return p.Gate3PassedAt
	case Gate4:
		return p.Gate4PassedAt
	}
	return nil
}

func setPassedAt(p *Progress, g Gate, at time.Time) {
	switch g {
	case Gate1:
		p.Gate1PassedAt = &at
	case Gate2:
		p.Gate2PassedAt = &at
	case Gate3:
		p.Gate3PassedAt = &at
	case Gate4:
		p.Gate4PassedAt = &at
	}
}

// Checklist 各关卡前置条件的当前满足情况
type Checklist struct {
	IdeaConfirmed       bool             `json:"idea_confirmed"`
	EvaluationConfirmed bool             `json:"evaluation_confirmed"`
	DocumentsConfirmed  map[DocType]bool `json:"documents_confirmed"`
	DeploymentConfirmed bool             `json:"deployment_confirmed"`
}

// Missing 列出关卡 g 尚未满足的条件，顺序稳定
func Missing(g Gate, c Checklist) []string {
	var missing []string
	switch g {
	case Gate1:
		if !c.IdeaConfirmed {
			missing = append(missing, "idea_card")
		}
	case Gate2:
		if !c.EvaluationConfirmed {
			missing = append(missing, "evaluation")
		}
	case Gate3:
		for _, d := range requiredDocs {
			if !c.DocumentsConfirmed[d] {
				missing = append(missing, string(d))
			}
		}
	case Gate4:
		if !c.DeploymentConfirmed {
			missing = append(missing, "deployment")
		}
	}
	return missing
}

// UnmetError 关卡前置条件未满足
type UnmetError struct {
	Gate    Gate
	Missing []string
}

func (e *UnmetError) Error() string {
	return fmt.Sprintf("%s preconditions not met: %s", e.Gate, strings.Join(e.Missing, ", "))
}

// Ready 关卡 g 的前置条件是否全部满足；completed 永远不 ready
func Ready(g Gate, c Checklist) error {
	if _, err := Next(g); err != nil {
		return err
	}
	if missing := Missing(g, c); len(missing) > 0 {
		return &UnmetError{Gate: g, Missing: missing}
	}
	return nil
}

// Advance 通过关卡 g：只允许当前关卡，时间戳一旦写入不再清除
func Advance(p Progress, g Gate, now time.Time) (Progress, Transition, error) {
	if p.Gate != g {
		return p, Transition{}, fmt.Errorf("%w: current %s, requested %s", ErrGateMismatch, p.Gate, g)
	}
	t, err := Next(g)
	if err != nil {
		return p, Transition{}, err
	}
	next := p
	if PassedAt(next, g) == nil {
		setPassedAt(&next, g, now.UTC())
	}
	next.Stage = t.NextStage
	next.Gate = t.NextGate
	return next, t, nil
}

// ItemStage 某类阶段物料可被修改的阶段
func ItemStage(item string) Stage {
	switch item {
	case "idea_card":
		return StageIdea
	case "evaluation":
		return StageEvaluation
	case "document":
		return StageDocument
	case "deployment":
		return StageDeploy
	}
	return ""
}
