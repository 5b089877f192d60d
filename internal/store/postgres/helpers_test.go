package postgres

import "github.com/lib/pq"

var pqUniqueViolation = pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
