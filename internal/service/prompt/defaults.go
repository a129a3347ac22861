package prompt

import "casa/internal/model"

const evaluationReply = ` Reply with a single JSON object: {"score": 0-100, "summary": string, "strengths": [string], "weaknesses": [string]}.`

const ideaBlock = `Problem: {{.Idea.Problem}}
Solution: {{.Idea.Solution}}
Target customer: {{.Idea.TargetCustomer}}
Value proposition: {{.Idea.ValueProposition}}`

const evaluationTemplate = `Project: {{.Title}}
Description: {{.Description}}
` + ideaBlock

// Defaults 与 migrations/002_seed_prompts.sql 保持一致
func Defaults() []model.Prompt {
	return []model.Prompt{
		{Key: "evaluation.investor", SystemPrompt: "You are a seed-stage venture investor. Judge fundability, market size and founder-market fit." + evaluationReply, UserTemplate: evaluationTemplate},
		{Key: "evaluation.market", SystemPrompt: "You are a market analyst. Judge demand, competition and go-to-market risk." + evaluationReply, UserTemplate: evaluationTemplate},
		{Key: "evaluation.tech", SystemPrompt: "You are a CTO. Judge technical feasibility, build effort and defensibility." + evaluationReply, UserTemplate: evaluationTemplate},
		{Key: "document.business_plan", SystemPrompt: "You write concise startup business plans in markdown.", UserTemplate: documentTemplate("Write a business plan for")},
		{Key: "document.pitch_deck", SystemPrompt: "You write ten-slide pitch decks in markdown, one heading per slide.", UserTemplate: documentTemplate("Write a pitch deck for")},
		{Key: "document.landing_page", SystemPrompt: "You write landing page copy in markdown: hero, benefits, social proof, call to action.", UserTemplate: documentTemplate("Write landing page copy for")},
	}
}

func documentTemplate(lead string) string {
	return lead + ` "{{.Title}}".
` + ideaBlock + `
Evaluation feedback: {{.EvaluationSummary}}`
}
