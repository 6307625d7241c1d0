package database

import "errors"

var ErrNotFound = errors.New("document not found")
