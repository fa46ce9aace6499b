package domain

import "errors"

// ErrInvalidExperiment indicates that an experiment definition failed validation.
var ErrInvalidExperiment = errors.New("invalid experiment")

// ErrInvalidRubric indicates that a rubric has no criteria or a malformed scale.
var ErrInvalidRubric = errors.New("invalid rubric")

// ErrInvalidInput indicates that an activity input failed validation.
var ErrInvalidInput = errors.New("invalid activity input")

// ErrNoValidCases indicates that a dataset batch contained zero usable cases.
var ErrNoValidCases = errors.New("dataset batch contains no valid cases")

// ErrMalformedCases indicates that a dataset batch is not a JSON array of cases.
var ErrMalformedCases = errors.New("malformed dataset batch")

// ErrConfigLocked indicates an experiment configuration change was attempted
// while one of its iterations was still in flight.
var ErrConfigLocked = errors.New("experiment configuration is locked while an iteration is active")
