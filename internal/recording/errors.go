package recording

import "errors"

var errTruncated = errors.New("recording: truncated sample index")
