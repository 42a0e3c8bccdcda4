package specgen

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/policy_guard/internal/llm"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// JudgeRequest is everything one judgment sees about an item.
type JudgeRequest struct {
	Policy string
	Tools  map[string]string
	Tool   *toolinfo.ToolInfo
	Item   *model.PolicyGuardSpecItem
}

// RelevanceJudgment is one committee vote in REVIEW_POLICIES.
type RelevanceJudgment struct {
	IsRelevant     bool   `json:"is_relevant"`
	IsToolSpecific bool   `json:"is_tool_specific"`
	CanBeValidated bool   `json:"can_be_validated"`
	Comments       string `json:"comments,omitempty"`
}

func (j RelevanceJudgment) affirmative() bool {
	return j.IsRelevant && j.IsToolSpecific && j.CanBeValidated
}

// FeasibilityJudgment is one committee vote in REVIEW_POLICIES_FEASIBILITY.
type FeasibilityJudgment struct {
	CanBeValidated         bool   `json:"can_be_validated"`
	RejectionReason        string `json:"rejection_reason,omitempty"`
	MissingToolDescription string `json:"missing_tool_description,omitempty"`
	Comments               string `json:"comments,omitempty"`
}

// Oracle gives independent judgments about a policy item. Each call must be
// independent of every other call.
type Oracle interface {
	JudgeRelevance(ctx context.Context, req JudgeRequest) (*RelevanceJudgment, error)
	JudgeFeasibility(ctx context.Context, req JudgeRequest) (*FeasibilityJudgment, error)
}

// LLMOracle asks the generative service for each judgment.
type LLMOracle struct {
	gen llm.Generator
}

func NewLLMOracle(gen llm.Generator) *LLMOracle {
	return &LLMOracle{gen: gen}
}

func (o *LLMOracle) JudgeRelevance(ctx context.Context, req JudgeRequest) (*RelevanceJudgment, error) {
	var out RelevanceJudgment
	if err := o.judge(ctx, promptReviewRelevance, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *LLMOracle) JudgeFeasibility(ctx context.Context, req JudgeRequest) (*FeasibilityJudgment, error) {
	var out FeasibilityJudgment
	if err := o.judge(ctx, promptReviewFeasibility, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (o *LLMOracle) judge(ctx context.Context, prompt string, req JudgeRequest, out any) error {
	sys, err := systemPrompt(prompt, req.Tool.Name, out, 0)
	if err != nil {
		return err
	}
	uc := userContext{policy: req.Policy, tools: req.Tools, tool: req.Tool}
	user := uc.render(true, "Policy Item:\n"+mustJSON(viewOf(req.Item)))
	if err := o.gen.GenerateJSON(ctx, []llm.Message{llm.System(sys), llm.User(user)}, out); err != nil {
		return fmt.Errorf("judge %s: %w", prompt, err)
	}
	return nil
}
