package statemachine

import "time"

// nowFunc is indirected so tests can pin timestamps deterministically.
var nowFunc = time.Now
