package groupqueue

import "github.com/google/uuid"

func newItemID() string { return uuid.NewString() }
