package domain

import (
	"fmt"
	"strings"
)

var transactionTransitions = map[string]map[string]struct{}{
	TxStatusSagaPendingCredit: {
		TxStatusCompleted:             {},
		TxStatusSagaFailedCompensated: {},
	},
	TxStatusPending:               {},
	TxStatusCompleted:             {},
	TxStatusFailed:                {},
	TxStatusCancelled:             {},
	TxStatusSagaFailedCompensated: {},
}

var sagaTransitions = map[string]map[string]struct{}{
	SagaInitiated:    {SagaDebited: {}},
	SagaDebited:      {SagaCredited: {}, SagaCreditFailed: {}},
	SagaCredited:     {SagaFinalized: {}},
	SagaCreditFailed: {SagaCompensating: {}},
	SagaCompensating: {
		SagaCompensated:        {},
		SagaCompensationFailed: {},
	},
	SagaFinalized:          {},
	SagaCompensated:        {},
	SagaCompensationFailed: {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(table map[string]map[string]struct{}, current, next string) bool {
	nextStates, ok := table[normalizeState(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeState(next)]
	return ok
}

// CanTransitionStatus reports whether a transaction record may move from
// current to next. SAGA_PENDING_CREDIT is the only non-terminal status.
func CanTransitionStatus(current, next string) bool {
	return canTransition(transactionTransitions, current, next)
}

// IsTerminalStatus reports whether a transaction record status can no longer
// change.
func IsTerminalStatus(status string) bool {
	next, ok := transactionTransitions[normalizeState(status)]
	return ok && len(next) == 0
}

// ValidateStatusTransition returns ErrInvalidTransition for a forbidden move.
func ValidateStatusTransition(current, next string) error {
	if !CanTransitionStatus(current, next) {
		return fmt.Errorf("%w: transaction %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// CanTransitionSaga reports whether the saga state machine allows the move.
func CanTransitionSaga(current, next string) bool {
	return canTransition(sagaTransitions, current, next)
}

// ValidateSagaTransition returns ErrInvalidTransition for a forbidden move.
func ValidateSagaTransition(current, next string) error {
	if !CanTransitionSaga(current, next) {
		return fmt.Errorf("%w: saga %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// IsTerminalSaga reports whether a saga reached an end state.
func IsTerminalSaga(state string) bool {
	switch normalizeState(state) {
	case SagaFinalized, SagaCompensated, SagaCompensationFailed:
		return true
	}
	return false
}
