package handlers

import "errors"

var errNoClock = errors.New("no pipeline clock configured")
