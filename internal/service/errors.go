package service

import "errors"

var ErrInvalidUser = errors.New("user id is required")

// errNothingToDo ends a mutation without a write or a publish.
var errNothingToDo = errors.New("nothing to do")
