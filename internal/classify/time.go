package classify

import "time"

var timeNow = time.Now
