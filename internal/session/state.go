package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/miam-bot/miam/internal/collaborator"
	"github.com/miam-bot/miam/internal/models"
)

// Workflow states persisted in checkpoint variables. One inbound message
// advances the machine by one step; IntentClassification and Generation are
// transient within a turn and never the resting state between turns.
const (
	StateAwaitingInput        = "awaiting_input"
	StateIntentClassification = "intent_classification"
	StateSlotCollection       = "slot_collection"
	StateGeneration           = "generation"
	StateResponded            = "responded"
)

const (
	defaultClarifyReply  = "Could you tell me a bit more? What would you like to cook, what do you have on hand, and how much time do you have?"
	defaultAbortReply    = "No problem, we can drop that. Let me know when you feel like cooking something."
	defaultRedirectReply = "I'm best at food and cooking. Ask me about a recipe and I'll help you make it!"
)

type stepResult struct {
	reply string
	vars  models.Variables
	usage models.Usage
	done  bool
}

// advance runs one state-machine step over the trimmed prompt history. It
// performs the external calls but persists nothing; the caller owns the
// checkpoint write.
func (e *Engine) advance(ctx context.Context, vars models.Variables, prompt []models.Message) (stepResult, error) {
	cls, usage, err := e.classifier.Classify(ctx, prompt)
	if err != nil {
		return stepResult{}, err
	}

	slots := mergeSlots(vars.Slots, cls.Slots)
	vars.LastIntent = string(cls.Intent)

	switch cls.Intent {
	case collaborator.IntentAbort:
		vars.State = StateAwaitingInput
		vars.Slots = nil
		return stepResult{
			reply: fallback(cls.Reply, defaultAbortReply),
			vars:  vars,
			usage: usage,
			done:  true,
		}, nil

	case collaborator.IntentOther:
		vars.State = StateAwaitingInput
		vars.Slots = slots
		return stepResult{
			reply: fallback(cls.Reply, defaultRedirectReply),
			vars:  vars,
			usage: usage,
			done:  true,
		}, nil
	}

	if !slots.Complete() {
		vars.State = StateSlotCollection
		vars.Slots = slots
		return stepResult{
			reply: fallback(cls.Reply, defaultClarifyReply),
			vars:  vars,
			usage: usage,
			done:  false,
		}, nil
	}

	reply, genUsage, err := e.generate(ctx, *slots, prompt)
	if err != nil {
		return stepResult{}, err
	}
	usage = addUsage(usage, genUsage)

	vars.State = StateResponded
	vars.Slots = slots
	return stepResult{reply: reply, vars: vars, usage: usage, done: true}, nil
}

// generate runs the retrieval-augmented generation step.
func (e *Engine) generate(ctx context.Context, slots models.RecipeSlots, prompt []models.Message) (string, models.Usage, error) {
	var reference []string
	if e.retriever != nil {
		query := slots.FormattedQuery
		if query == "" {
			query = slots.DishType + " " + strings.Join(slots.Ingredients, " ")
		}
		matches, err := e.retriever.Retrieve(ctx, query, e.namespace, e.retrievalLimit)
		if err != nil {
			return "", models.Usage{}, err
		}
		for _, m := range matches {
			reference = append(reference, m.Content)
		}
		e.logger.Debug("retrieved reference recipes",
			zap.String("query", query),
			zap.Int("matches", len(matches)))
	}

	return e.generator.Generate(ctx, prompt, collaborator.GenerateOptions{
		Requirements: slots,
		Context:      reference,
	})
}

// mergeSlots overlays freshly extracted slot values onto what previous turns
// collected. Empty fields never erase earlier answers.
func mergeSlots(base *models.RecipeSlots, update models.RecipeSlots) *models.RecipeSlots {
	merged := models.RecipeSlots{}
	if base != nil {
		merged = *base
	}
	if update.DishType != "" {
		merged.DishType = update.DishType
	}
	if len(update.DietaryPreferences) > 0 {
		merged.DietaryPreferences = update.DietaryPreferences
	}
	if len(update.Ingredients) > 0 {
		merged.Ingredients = update.Ingredients
	}
	if update.TimeConstraints != "" {
		merged.TimeConstraints = update.TimeConstraints
	}
	if len(update.SpecialInstructions) > 0 {
		merged.SpecialInstructions = update.SpecialInstructions
	}
	if update.FormattedQuery != "" {
		merged.FormattedQuery = update.FormattedQuery
	}
	return &merged
}

func addUsage(a, b models.Usage) models.Usage {
	return models.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
