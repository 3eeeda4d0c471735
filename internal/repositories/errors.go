package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers distinguish missing records from other database
// errors with errors.Is:
//
//	agent, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example enrolling two agents under the same name.
var ErrConflict = errors.New("record already exists")
