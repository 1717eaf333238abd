package models

import "time"

// Role identifies who authored a message within a thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// User represents a registered account. PasswordHash is a bcrypt hash and is
// never exposed outside the storage layer.
type User struct {
	ID           int64      `json:"id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Phone        string     `json:"phone,omitempty"`
	BirthDate    *time.Time `json:"birth_date,omitempty"`
	Address      string     `json:"address,omitempty"`
	City         string     `json:"city,omitempty"`
	Country      string     `json:"country,omitempty"`
	ThreadCount  int        `json:"thread_count"`
	TokenCount   int64      `json:"token_count"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Profile carries the caller-supplied fields of a registration or profile update.
type Profile struct {
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone,omitempty"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Address   string     `json:"address,omitempty"`
	City      string     `json:"city,omitempty"`
	Country   string     `json:"country,omitempty"`
}

// Thread is a single conversation owned by one user.
type Thread struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadDetails is a Thread plus the size of its stored history.
type ThreadDetails struct {
	Thread
	MessageCount int `json:"message_count"`
}

// Usage records the token cost reported by the model for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Metadata describes where a message came from and what it cost.
type Metadata struct {
	Model     string    `json:"model,omitempty"`
	Usage     Usage     `json:"usage"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one entry in a thread's history. Immutable once stored; ordered
// by insertion within the thread.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Checkpoint is the durable snapshot of one thread: full message history plus
// the workflow variables the session engine needs to resume. Exactly one live
// checkpoint exists per thread; Version increments on every successful turn.
type Checkpoint struct {
	ThreadID  int64     `json:"thread_id"`
	Messages  []Message `json:"messages"`
	Variables Variables `json:"variables"`
	Version   int64     `json:"version"`
}

// Variables is the engine state carried between turns inside a checkpoint.
type Variables struct {
	State      string       `json:"state"`
	LastIntent string       `json:"last_intent,omitempty"`
	Slots      *RecipeSlots `json:"slots,omitempty"`
}

// RecipeSlots holds the details collected before a recipe can be generated.
type RecipeSlots struct {
	DishType            string   `json:"dish_type,omitempty"`
	DietaryPreferences  []string `json:"dietary_preferences,omitempty"`
	Ingredients         []string `json:"ingredients,omitempty"`
	TimeConstraints     string   `json:"time_constraints,omitempty"`
	SpecialInstructions []string `json:"special_instructions,omitempty"`
	FormattedQuery      string   `json:"formatted_query,omitempty"`
}

// Complete reports whether enough has been collected to generate a recipe.
func (s *RecipeSlots) Complete() bool {
	if s == nil {
		return false
	}
	return s.DishType != "" && len(s.Ingredients) > 0 && s.TimeConstraints != ""
}

// Clone returns a deep copy so a checkpoint loaded for one turn can be
// modified without touching the stored value.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if c.Variables.Slots != nil {
		slots := *c.Variables.Slots
		slots.DietaryPreferences = append([]string(nil), c.Variables.Slots.DietaryPreferences...)
		slots.Ingredients = append([]string(nil), c.Variables.Slots.Ingredients...)
		slots.SpecialInstructions = append([]string(nil), c.Variables.Slots.SpecialInstructions...)
		cp.Variables.Slots = &slots
	}
	return &cp
}
