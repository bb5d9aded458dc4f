// Package outcome extracts and validates the structured results agents
// print at the end of a session
package outcome

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// ErrNoJSON is returned when output contains no JSON object
var ErrNoJSON = errors.New("no JSON object in agent output")

// ValidationError lists the contract violations found in a payload
type ValidationError struct {
	Kind     string // plan, executor, verify, feedback
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s output: %s", e.Kind, strings.Join(e.Problems, "; "))
}

// Parser turns a worker transcript into a task outcome
type Parser interface {
	ParseExecutor(output string) (*types.TaskOutcome, error)
}

// planWire accepts both the flat shape and the nested iteration_plan shape
type planWire struct {
	Decision        types.Decision   `json:"decision"`
	Reason          string           `json:"reason"`
	Blocker         string           `json:"blocker"`
	IterationIntent string           `json:"iteration_intent"`
	WorkItems       []types.WorkItem `json:"work_items"`
	IterationPlan   *struct {
		ExecutorCount int              `json:"executor_count"`
		WorkItems     []types.WorkItem `json:"work_items"`
	} `json:"iteration_plan"`
	MemoryUpdates string `json:"memory_updates"`
}

type executorWire struct {
	Status          types.TaskStatus `json:"status"`
	WhatWasDone     string           `json:"what_was_done"`
	Blockers        string           `json:"blockers"`
	Notes           string           `json:"notes"`
	EfficiencyNotes string           `json:"efficiency_notes"`
	WorkCommitted   *bool            `json:"work_committed"`
	TracesUpdated   bool             `json:"traces_updated"`
}

type feedbackWire struct {
	SpecialistName string               `json:"specialist_name"`
	FeedbackItems  []types.FeedbackItem `json:"feedback_items"`
	Summary        string               `json:"summary"`
}

// envelope is the object printed by `claude --output-format json`
type envelope struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}
