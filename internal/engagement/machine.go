// Package engagement implements the per-user engagement lifecycle engine:
// the fixed transition table, the atomic transition apply operation, and the
// activity tracker that classifies inbound events into triggers.
package engagement

import (
	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

// transitionTable is the fixed (state, trigger) -> next state mapping. Pairs
// absent from the table are absorbed: the trigger is dropped, the current
// state is retained, and no log entry is written.
var transitionTable = map[models.EngagementState]map[models.Trigger]models.EngagementState{
	models.StateActive: {
		models.TriggerInactivity14d: models.StateGoodbyeSent,
	},
	models.StateGoodbyeSent: {
		models.TriggerUserMessage:      models.StateActive,
		models.TriggerGoodbyeResponse1: models.StateHelpFlow,
		models.TriggerGoodbyeResponse2: models.StateRemindLater,
		models.TriggerGoodbyeResponse3: models.StateDormant,
		models.TriggerGoodbyeTimeout:   models.StateDormant,
	},
	models.StateHelpFlow: {
		models.TriggerUserMessage: models.StateActive,
	},
	models.StateRemindLater: {
		models.TriggerUserMessage: models.StateActive,
		models.TriggerReminderDue: models.StateDormant,
	},
	models.StateDormant: {
		models.TriggerUserMessage: models.StateActive,
	},
}

// Decide looks up the transition table. It returns the target state and true
// when the pair is defined, or the current state and false when absorbed.
func Decide(state models.EngagementState, trigger models.Trigger) (models.EngagementState, bool) {
	targets, ok := transitionTable[state]
	if !ok {
		return state, false
	}
	to, ok := targets[trigger]
	if !ok {
		return state, false
	}
	return to, true
}
