package cluster

import "time"

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now
