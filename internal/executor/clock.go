package executor

import "time"

var nowFunc = time.Now
