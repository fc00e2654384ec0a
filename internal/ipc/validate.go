package ipc

import "regexp"

// nameRe matches valid thing and shadow names.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9:_-]+$`)

const maxNameLength = 128

// validateThingName checks an IPC-supplied thing name.
func validateThingName(name string) *ServiceError {
	if name == "" {
		return invalidArguments("thing name is required")
	}

	if len(name) > maxNameLength {
		return invalidArguments("thing name exceeds %d characters", maxNameLength)
	}

	if !nameRe.MatchString(name) {
		return invalidArguments("invalid thing name %q", name)
	}

	return nil
}

// validateShadowName checks an IPC-supplied shadow name. Empty names
// address the classic shadow and are valid.
func validateShadowName(name string) *ServiceError {
	if name == "" {
		return nil
	}

	if len(name) > maxNameLength {
		return invalidArguments("shadow name exceeds %d characters", maxNameLength)
	}

	if !nameRe.MatchString(name) {
		return invalidArguments("invalid shadow name %q", name)
	}

	return nil
}
