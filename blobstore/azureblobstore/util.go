package azureblobstore

import (
	"time"

	"github.com/google/uuid"
)

func timeNowReal() time.Time { return time.Now() }

// newCorrelationID returns a locally unique token used as a stand-in
// "upload id" for Azure's id-less block blob upload flow.
func newCorrelationID() string {
	return uuid.NewString()
}
