package recovery

import "foreman/internal/model"

// ladders lists the strategies tried, in order, for each stuck type. Once a
// ladder is exhausted its last rung repeats until the cap is reached.
var ladders = map[model.StuckType][]model.RecoveryAction{
	model.StuckTurnLimitApproaching:    {model.ActionPauseAlert, model.ActionForkRetry},
	model.StuckNoProgress:              {model.ActionPauseAlert, model.ActionModelEscalation, model.ActionForkRetry},
	model.StuckCiTimeout:               {model.ActionModelEscalation, model.ActionSpawnFixer},
	model.StuckReviewDelay:             {model.ActionPauseAlert},
	model.StuckMergeConflict:           {model.ActionSpawnFixer, model.ActionForkRetry},
	model.StuckRateLimited:             {model.ActionPauseAlert},
	model.StuckContextLimitApproaching: {model.ActionPauseAlert, model.ActionForkRetry},
}

// Ladder returns the strategies for a detection. Critical detections skip
// PauseAlert unless it is the only rung.
func Ladder(stuckType model.StuckType, severity model.StuckSeverity) []model.RecoveryAction {
	base := ladders[stuckType]
	if len(base) == 0 {
		return []model.RecoveryAction{model.ActionPauseAlert}
	}
	if severity != model.StuckCritical {
		return append([]model.RecoveryAction(nil), base...)
	}
	out := make([]model.RecoveryAction, 0, len(base))
	for _, action := range base {
		if action != model.ActionPauseAlert {
			out = append(out, action)
		}
	}
	if len(out) == 0 {
		return append([]model.RecoveryAction(nil), base...)
	}
	return out
}

// FirstAction is the strategy a fresh detection will be answered with.
func FirstAction(stuckType model.StuckType, severity model.StuckSeverity) model.RecoveryAction {
	return Ladder(stuckType, severity)[0]
}

// NextAction picks the rung for the given number of earlier non-escalation
// attempts, or EscalateToParent once limit is reached.
func NextAction(stuckType model.StuckType, severity model.StuckSeverity, attempts int, limit int) model.RecoveryAction {
	if attempts >= limit {
		return model.ActionEscalateToParent
	}
	ladder := Ladder(stuckType, severity)
	if attempts >= len(ladder) {
		return ladder[len(ladder)-1]
	}
	return ladder[attempts]
}
