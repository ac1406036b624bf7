package notify

import (
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewConsumerID names this process in the consumer group. The host part
// makes XINFO CONSUMERS readable; the ULID keeps restarts from reclaiming a
// dead consumer's name and its pending entries.
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "recoveryd"
	}
	return strings.ToLower(host) + "-" + strings.ToLower(ulid.Make().String())
}
