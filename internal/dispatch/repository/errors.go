package repository

import (
	"fmt"
	"strings"
)

// ErrNotFound should be returned by all repository functions whenever one or
// more resources can't be found.
//
// When constructing errors of this type, prepend the resource type, e.g.
// &ErrNotFound{ResourceNames: []string{`runner "abc"`}} so it is unambiguous
// to the caller which resource is referred to.
type ErrNotFound struct {
	ResourceNames []string
}

func (err *ErrNotFound) Error() string {
	if len(err.ResourceNames) == 0 {
		return "could not find <UNKNOWN>"
	} else if len(err.ResourceNames) == 1 {
		return fmt.Sprintf("could not find %q", err.ResourceNames[0])
	} else {
		return fmt.Sprintf("could not find any of [%s]", strings.Join(err.ResourceNames, ", "))
	}
}

// ErrAlreadyExists should be returned whenever a resource to be created
// already exists. Constructed in the same way as ErrNotFound.
type ErrAlreadyExists struct {
	ResourceNames []string
}

func (err *ErrAlreadyExists) Error() string {
	if len(err.ResourceNames) == 0 {
		return "resource <UNKNOWN> already exists"
	} else if len(err.ResourceNames) == 1 {
		return fmt.Sprintf("%q already exists", err.ResourceNames[0])
	} else {
		return fmt.Sprintf("the following already exist [%s]", strings.Join(err.ResourceNames, ", "))
	}
}

// ErrInvalidJob is returned by AddJob when a job fails validation.
// Validation problems are always surfaced at enqueue time, never later
// during matching.
type ErrInvalidJob struct {
	JobId  string
	Reason error
}

func (err *ErrInvalidJob) Error() string {
	return fmt.Sprintf("job %q is invalid: %s", err.JobId, err.Reason)
}
