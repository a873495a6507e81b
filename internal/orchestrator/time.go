package orchestrator

import "time"

var timeNow = time.Now
