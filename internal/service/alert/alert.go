// Package alert holds the firing state machine. It is a pure function:
// all history lives in the monitor's persisted lastRun.alert.
package alert

import "github.com/geokatch/geokatch/internal/model"

// Next maps (alert mode, previous firing, evaluation emptiness) to the
// monitor's next alert state.
func Next(alertOn model.AlertOn, wasFiring, dataEmpty bool) model.AlertState {
	condition := !dataEmpty
	if alertOn == model.AlertOnNoData {
		condition = dataEmpty
	}
	switch {
	case condition && wasFiring:
		return model.AlertStillFiring
	case condition:
		return model.AlertFiring
	case wasFiring:
		return model.AlertNoLongerFiring
	default:
		return model.AlertNotFiring
	}
}
