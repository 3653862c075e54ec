package model

// Category is the taxonomy bucket assigned to a failed run.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryQuota   Category = "quota"
	CategoryTimeout Category = "timeout"
	CategoryNetwork Category = "network"
	CategoryParse   Category = "parse"
	CategoryUnknown Category = "unknown"
)

// Action is a follow-up a caller may offer after a failed run.
type Action string

const (
	ActionRetry     Action = "retry"
	ActionConfigure Action = "configure"
	ActionBack      Action = "back"
)

// CategorizedError is a classified failure with static remediation copy.
type CategorizedError struct {
	Category     Category `json:"category"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	Suggestion   string   `json:"suggestion"`
	Remediations []string `json:"remediations"`
}

func (e *CategorizedError) Error() string {
	return string(e.Category) + ": " + e.Message
}

// Retryable reports whether the run may be re-invoked with the same request.
func (e *CategorizedError) Retryable() bool {
	switch e.Category {
	case CategoryNetwork, CategoryTimeout, CategoryQuota:
		return true
	}
	return false
}

// Actions lists the follow-ups exposed for this category.
func (e *CategorizedError) Actions() []Action {
	switch e.Category {
	case CategoryAuth:
		return []Action{ActionConfigure}
	case CategoryTimeout:
		return []Action{ActionRetry, ActionConfigure}
	case CategoryQuota, CategoryNetwork:
		return []Action{ActionRetry}
	default:
		return []Action{ActionBack}
	}
}
