// Package crawler defines the domain model shared by the scheduling,
// execution, and self-healing subsystems: sites, tasks, page rules, the
// task state machine, failure classification, and the collaborator
// interfaces each subsystem depends on.
package crawler
