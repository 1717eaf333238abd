// Package collaborator defines the narrow contracts for the external model
// services the session engine calls, plus the OpenAI implementation. The
// engine never assumes determinism from these.
package collaborator

import (
	"context"

	"github.com/miam-bot/miam/internal/models"
)

// Intent is the classified purpose of an inbound user message.
type Intent string

const (
	IntentRecipe Intent = "recipe_request"
	IntentOther  Intent = "other"
	IntentAbort  Intent = "abort"
)

// Classification is the structured result of one classification call: the
// intent, the slot values collected so far, and a conversational reply to
// send when more information is still needed.
type Classification struct {
	Intent Intent             `json:"intent"`
	Slots  models.RecipeSlots `json:"slots"`
	Reply  string             `json:"reply"`
}

// Classifier determines intent and collects recipe slots from the
// conversation so far.
type Classifier interface {
	Classify(ctx context.Context, history []models.Message) (Classification, models.Usage, error)
}

// GenerateOptions carries per-call generation inputs.
type GenerateOptions struct {
	// Requirements is the completed slot set driving the recipe.
	Requirements models.RecipeSlots
	// Context holds retrieved reference material, one entry per match.
	Context []string
}

// Generator produces the final assistant reply from the prompt history.
type Generator interface {
	Generate(ctx context.Context, history []models.Message, opts GenerateOptions) (string, models.Usage, error)
}
