// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/mirelo/stagehand/internal/domain"

const (
	ContentPipeline     = "content"
	DevelopmentPipeline = "development"
)

// contentDefinition is the 14-stage content-generation pipeline.
func contentDefinition() Definition {
	return Definition{
		Name: ContentPipeline,
		Stages: []StageDefinition{
			{Key: "research", Label: "Research", ExecutorKind: domain.ExecutorAgent,
				Description: "Collect audience, market, and competitor signals."},
			{Key: "trend_analysis", Label: "Trend Analysis", ExecutorKind: domain.ExecutorAgent,
				Description: "Rank topics and formats against current trends."},
			{Key: "strategy", Label: "Strategy", ExecutorKind: domain.ExecutorAgent,
				Description: "Draft the campaign angle and channel mix."},
			{Key: "brief", Label: "Brief", ExecutorKind: domain.ExecutorAuto,
				Description: "Assemble the structured creative brief."},
			{Key: "content_generation", Label: "Content Generation", ExecutorKind: domain.ExecutorAgent,
				Description: "Produce copy and creative variants from the brief."},
			{Key: "brand_qa", Label: "Brand QA", ExecutorKind: domain.ExecutorAgent,
				Description: "Check tone, terminology, and brand guidelines."},
			{Key: "compliance_review", Label: "Compliance Review", ExecutorKind: domain.ExecutorHuman,
				ApprovalRequired: true, RejectTarget: "content_generation",
				Description: "Human sign-off on legal and platform compliance."},
			{Key: "revision", Label: "Revision", ExecutorKind: domain.ExecutorAgent,
				Description: "Apply review notes to the approved variants."},
			{Key: "client_review", Label: "Client Review", ExecutorKind: domain.ExecutorHuman,
				ApprovalRequired: true, RejectTarget: "revision",
				Description: "Client sign-off before scheduling."},
			{Key: "scheduling", Label: "Scheduling", ExecutorKind: domain.ExecutorAuto,
				Description: "Slot approved content into the publishing calendar."},
			{Key: "publishing", Label: "Publishing", ExecutorKind: domain.ExecutorAuto,
				Description: "Push content to the connected channels."},
			{Key: "analytics", Label: "Analytics", ExecutorKind: domain.ExecutorAuto,
				FeedbackTarget: "scheduling",
				Description:    "Collect engagement metrics per placement."},
			{Key: "reporting", Label: "Reporting", ExecutorKind: domain.ExecutorAuto,
				Description: "Compile the client-facing performance report."},
			{Key: "reinforcement_learning", Label: "Reinforcement Learning", ExecutorKind: domain.ExecutorAgent,
				FeedbackTarget: "research",
				Description:    "Feed performance outcomes back into future research."},
		},
	}
}

// developmentDefinition is the 13-stage software-development pipeline.
func developmentDefinition() Definition {
	return Definition{
		Name: DevelopmentPipeline,
		Stages: []StageDefinition{
			{Key: "requirements", Label: "Requirements", ExecutorKind: domain.ExecutorHuman,
				Description: "Capture scope and acceptance criteria."},
			{Key: "planning", Label: "Planning", ExecutorKind: domain.ExecutorAgent,
				Description: "Break the scope into ordered work items."},
			{Key: "architecture", Label: "Architecture", ExecutorKind: domain.ExecutorAgent,
				ApprovalRequired: true, RejectTarget: "planning",
				Description: "Propose the technical design for sign-off."},
			{Key: "scaffolding", Label: "Scaffolding", ExecutorKind: domain.ExecutorAuto,
				Description: "Generate project structure and build wiring."},
			{Key: "code_generation", Label: "Code Generation", ExecutorKind: domain.ExecutorAgent,
				Description: "Implement the planned work items."},
			{Key: "code_review", Label: "Code Review", ExecutorKind: domain.ExecutorHuman,
				ApprovalRequired: true, RejectTarget: "code_generation",
				Description: "Human review of the generated changes."},
			{Key: "testing", Label: "Testing", ExecutorKind: domain.ExecutorAuto,
				Description: "Run the automated test suites."},
			{Key: "qa_review", Label: "QA Review", ExecutorKind: domain.ExecutorHuman,
				ApprovalRequired: true, RejectTarget: "code_generation",
				Description: "Manual QA pass over the staged build."},
			{Key: "staging_deploy", Label: "Staging Deploy", ExecutorKind: domain.ExecutorAuto,
				Description: "Deploy to the staging environment."},
			{Key: "acceptance", Label: "Acceptance", ExecutorKind: domain.ExecutorHuman,
				ApprovalRequired: true, RejectTarget: "code_generation",
				Description: "Client acceptance of the staged release."},
			{Key: "production_deploy", Label: "Production Deploy", ExecutorKind: domain.ExecutorAuto,
				Description: "Promote the accepted build to production."},
			{Key: "monitoring", Label: "Monitoring", ExecutorKind: domain.ExecutorAuto,
				FeedbackTarget: "staging_deploy",
				Description:    "Watch error rates and rollout health."},
			{Key: "retrospective", Label: "Retrospective", ExecutorKind: domain.ExecutorAgent,
				FeedbackTarget: "planning",
				Description:    "Summarize outcomes for future planning."},
		},
	}
}
