package http

import "github.com/google/uuid"

func newSessionID() string { return uuid.NewString() }
