package api

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
// A job enters the system as pending and leaves it in one of the
// terminal states (success, failed, canceled).
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// JobScope controls which class of runner may pick a job up.
type JobScope string

const (
	// ScopeShared jobs may be picked up by any instance-wide runner.
	ScopeShared JobScope = "shared"
	// ScopeGroup jobs are restricted to runners owned by the job's group.
	ScopeGroup JobScope = "group"
	// ScopeProject jobs are restricted to runners owned by the job's project.
	ScopeProject JobScope = "project"
)

type RunnerType string

const (
	RunnerTypeInstance RunnerType = "instance"
	RunnerTypeGroup    RunnerType = "group"
	RunnerTypeProject  RunnerType = "project"
)

// Visibility is the visibility level of the project a job belongs to.
// It selects which runner cost factor applies when checking quotas.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
	VisibilityPrivate  Visibility = "private"
)

// FailureReason codes are surfaced to the job owner, not to the polling
// runner.
type FailureReason string

const (
	FailureReasonSecretsProviderNotFound FailureReason = "secrets_provider_not_found"
	FailureReasonStaleRunner             FailureReason = "runner_lost_contact"
)

// SecretsRequirement declares that a job needs a secret resolved from an
// external secrets backend before it can run.
type SecretsRequirement struct {
	Provider string `json:"provider"`
	Path     string `json:"path"`
	Field    string `json:"field"`
}

// Job is a schedulable unit of CI work.
type Job struct {
	Id          string   `json:"id"`
	PipelineId  string   `json:"pipelineId"`
	ProjectId   string   `json:"projectId"`
	NamespaceId string   `json:"namespaceId"`
	Scope       JobScope `json:"scope"`
	// TargetId is the group or project a scoped job is restricted to.
	// Empty for shared jobs.
	TargetId string   `json:"targetId,omitempty"`
	Tags     []string `json:"tags"`
	// Protected marks jobs targeting a protected branch or environment.
	// Protected jobs are matched ahead of unprotected ones and require
	// the runner to hold deploy access to Environment.
	Protected   bool                 `json:"protected"`
	Environment string               `json:"environment,omitempty"`
	Visibility  Visibility           `json:"visibility"`
	Priority    int64                `json:"priority"`
	Created     time.Time            `json:"created"`
	Secrets     []SecretsRequirement `json:"secrets,omitempty"`
}

// QueueName returns the backlog a job is queued on, derived from its scope.
func (j *Job) QueueName() string {
	switch j.Scope {
	case ScopeGroup:
		return "group:" + j.TargetId
	case ScopeProject:
		return "project:" + j.TargetId
	default:
		return "shared"
	}
}

// CostFactors are the per-visibility multipliers applied to a namespace's
// consumed compute seconds when a job runs on this runner. A factor of 0
// exempts jobs of that visibility from quota accounting entirely.
type CostFactors struct {
	Public   float64 `json:"public"`
	Internal float64 `json:"internal"`
	Private  float64 `json:"private"`
}

func (c CostFactors) For(visibility Visibility) float64 {
	switch visibility {
	case VisibilityPublic:
		return c.Public
	case VisibilityInternal:
		return c.Internal
	default:
		return c.Private
	}
}

// Runner is a registered polling agent.
type Runner struct {
	Id   string     `json:"id"`
	Type RunnerType `json:"type"`
	// TargetId is the group or project a scoped runner belongs to.
	TargetId    string      `json:"targetId,omitempty"`
	Active      bool        `json:"active"`
	Tags        []string    `json:"tags"`
	CostFactors CostFactors `json:"costFactors"`
	ContactedAt time.Time   `json:"contactedAt"`
}

// QueueName returns the backlog this runner draws jobs from.
func (r *Runner) QueueName() string {
	switch r.Type {
	case RunnerTypeGroup:
		return "group:" + r.TargetId
	case RunnerTypeProject:
		return "project:" + r.TargetId
	default:
		return "shared"
	}
}

// Stale reports whether the runner has not been in contact for longer
// than ttl as of the given time. Runners that never heartbeated are stale.
func (r *Runner) Stale(asOf time.Time, ttl time.Duration) bool {
	if r.ContactedAt.IsZero() {
		return true
	}
	return asOf.Sub(r.ContactedAt) > ttl
}

// Namespace is a node in the group hierarchy. Quota limits are only
// honoured on root namespaces; limits set on sub-namespaces are ignored.
type Namespace struct {
	Id       string `json:"id"`
	ParentId string `json:"parentId,omitempty"`
	// SecondsLimit is the compute-seconds budget for this namespace.
	// nil inherits the global default, 0 means unlimited.
	SecondsLimit *int64 `json:"secondsLimit,omitempty"`
	// ExtraSeconds is additionally purchased allowance on top of SecondsLimit.
	ExtraSeconds int64 `json:"extraSeconds"`
}

func (n *Namespace) IsRoot() bool {
	return n.ParentId == ""
}
