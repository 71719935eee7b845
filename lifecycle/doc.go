// Package lifecycle holds the switch aggregate and its state machine.
//
//	ARMED --deadline passes--> TRIGGERED --shares combined--> RELEASED
//	  |                            |
//	  +--cancel--> CANCELLED       +--revive (releases < threshold)--> ARMED
//
// CANCELLED and RELEASED are terminal. The machine is pure: callers pass the
// current time and publish the resulting events themselves.
package lifecycle
