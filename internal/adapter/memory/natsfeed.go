package memory

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/realminspector/agent/internal/adapter"
)

// natsFanout mirrors change events onto a NATS subject so a second
// process running its own inspector agent against a replica of the
// same data can observe writes made through this one. It is optional:
// the adapter works standalone with fanout left nil.
type natsFanout struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

type wireChangeEvent struct {
	TypeName      string `json:"typeName"`
	Deletions     []int  `json:"deletions"`
	Insertions    []int  `json:"insertions"`
	Modifications []int  `json:"modifications"`
}

// WithNATS configures the adapter to publish change events to
// "<subjectPrefix>.<typeName>" on conn: one message per live
// observation whose matching set a committed mutation changed, so a
// mutation with no live observer publishes nothing. Failures to publish are
// logged, not returned: a down change-feed mirror must never block a
// local write.
func WithNATS(conn *nats.Conn, subjectPrefix string) Option {
	return func(a *Adapter) {
		a.fanout = &natsFanout{conn: conn, subjectPrefix: subjectPrefix, logger: a.logger}
	}
}

func (f *natsFanout) publish(typeName string, event adapter.ChangeEvent) {
	payload, err := json.Marshal(wireChangeEvent{
		TypeName:      typeName,
		Deletions:     event.Deletions,
		Insertions:    event.Insertions,
		Modifications: event.Modifications,
	})
	if err != nil {
		f.logger.Warn("marshal change event for nats fanout", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", f.subjectPrefix, typeName)
	if err := f.conn.Publish(subject, payload); err != nil {
		f.logger.Warn("publish change event to nats", zap.String("subject", subject), zap.Error(err))
	}
}
