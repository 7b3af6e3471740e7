package heimdall

import (
	"github.com/sirupsen/logrus"
)

// Log is the logger used by the library. The level can be changed by
// the application importing it.
var Log = logrus.New()

// Returns a log entry populated with common fields identifying the
// component as well as the query and its origin.
func logger(id string, q *Packet, ci ClientInfo) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"id":     id,
		"client": ci.SourceIP,
		"qname":  qName(q),
	})
}
