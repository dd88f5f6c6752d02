// Package automation implements the enrollment state machine, the condition
// evaluator, and the owner-scoped control surface callers use to enroll,
// pause, resume, exit, complete, and reposition enrollments.
//
// machine.go is pure: it takes an enrollment, a graph, and the facts the
// caller gathered, and returns the new state plus the side effect to apply.
// The scheduler in internal/worker is the only caller that applies dispatch
// effects.
package automation
