package types

// AppKey identifies one of the AI companion apps a plan can allocate
// credits to. Applications are static reference data; the enum mirrors
// the applications table.
type AppKey string

const (
	AppOpenUIX   AppKey = "OPENUIX"
	AppJazzUp    AppKey = "JAZZUP"
	AppOnScope   AppKey = "ONSCOPE"
	AppTestPath  AppKey = "TESTPATH"
	AppDeepQuest AppKey = "DEEPQUEST"
	AppProdify   AppKey = "PRODIFY"
)

// KnownAppKeys lists every valid application key.
var KnownAppKeys = []AppKey{
	AppOpenUIX, AppJazzUp, AppOnScope, AppTestPath, AppDeepQuest, AppProdify,
}

// IsValid reports whether k is a known application key.
func (k AppKey) IsValid() bool {
	for _, known := range KnownAppKeys {
		if k == known {
			return true
		}
	}
	return false
}

// SubscriptionStatus is the billing provider's lifecycle state mirrored locally.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)

// IsChargeable reports whether the status counts as a live subscription.
// A user has at most one subscription in a chargeable status at a time.
func (s SubscriptionStatus) IsChargeable() bool {
	switch s {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue:
		return true
	}
	return false
}

// LogDirection marks a usage-log entry as a debit (consumption) or a credit
// (purchase/grant). An explicit direction replaces the old signed-points
// convention, which was applied inconsistently.
type LogDirection string

const (
	DirectionDebit  LogDirection = "DEBIT"
	DirectionCredit LogDirection = "CREDIT"
)

// ActionType names a billable operation inside a companion app.
type ActionType string

const (
	ActionImageGeneration   ActionType = "image_generation"
	ActionVideoGeneration   ActionType = "video_generation"
	ActionAICodeEdit        ActionType = "ai_code_edit"
	ActionSearchPerplexica  ActionType = "search_perplexica"
	ActionRAGQuery          ActionType = "rag_query"
	ActionNextJSProjectGen  ActionType = "nextjs_project_generation"
	ActionAIChatMessage     ActionType = "ai_chat_message"
	ActionMindMapGeneration ActionType = "mind_map_ai_generation"
	ActionTaskAISuggestion  ActionType = "task_ai_suggestion"

	// ActionCreditConsumption is the generic action used by companion apps
	// that compute their own cost and pass an explicit amount.
	ActionCreditConsumption ActionType = "credit_consumption"

	// ActionPointsPurchase is the CREDIT-direction action recorded when an
	// extra-points package is applied to the ledger.
	ActionPointsPurchase ActionType = "points_purchase"
)

// ActionCosts is the fixed credit cost per action type. Actions absent from
// this table require an explicit amount from the caller.
var ActionCosts = map[ActionType]int{
	ActionImageGeneration:   5,
	ActionVideoGeneration:   10,
	ActionAICodeEdit:        2,
	ActionSearchPerplexica:  3,
	ActionRAGQuery:          4,
	ActionNextJSProjectGen:  5,
	ActionAIChatMessage:     1,
	ActionMindMapGeneration: 3,
	ActionTaskAISuggestion:  2,
}

// Cost returns the fixed cost for the action type, or ok=false when the
// action has no fixed cost and the caller must supply one.
func (a ActionType) Cost() (int, bool) {
	c, ok := ActionCosts[a]
	return c, ok
}
