package observer

import (
	"encoding/json"
	"fmt"

	"liveapi/internal/proto"
	"liveapi/internal/storage"
)

// InstanceGroup derives the group suffix addressing a single record.
func InstanceGroup(pk string) string {
	return fmt.Sprintf("pk-%s", pk)
}

// NewInstanceBinding declares the "subscribe to this one record" stream for
// an entity: both grouping functions are fixed to the record's identity, and
// delete events force subscribers out of the group afterwards.
//
// The consumer-side grouping expects a "pk" kwarg.
func NewInstanceBinding(entity string, serialize SerializeFunc) *Binding {
	return &Binding{
		Name:   entity + ".instance",
		Entity: entity,
		GroupsForSignal: func(evt storage.Event) []string {
			return []string{InstanceGroup(evt.PK)}
		},
		GroupsForConsumer: func(kwargs map[string]any) ([]string, error) {
			pk, ok := proto.PKString(kwargs["pk"])
			if !ok {
				return nil, fmt.Errorf("subscribe to %s instance: pk required", entity)
			}
			return []string{InstanceGroup(pk)}, nil
		},
		Serialize:               serialize,
		Handle:                  ReplyHandler(),
		AutoUnsubscribeOnDelete: true,
	}
}

// ReplyHandler is the default delivery handler: one response envelope per
// subscribing request id, with the mutation kind as the action. Updates and
// creates carry the serialized record; deletes carry the identity and a
// no-content status.
func ReplyHandler() HandlerFunc {
	return func(sess Session, msg Message, requestIDs []json.RawMessage) {
		for _, requestID := range requestIDs {
			switch msg.Kind {
			case storage.KindDelete:
				sess.Reply(proto.NewResponse(string(msg.Kind), requestID, proto.StatusNoContent,
					map[string]any{"pk": msg.PK}))
			default:
				var body any
				if len(msg.Body) > 0 {
					body = json.RawMessage(msg.Body)
				}
				sess.Reply(proto.NewResponse(string(msg.Kind), requestID, proto.StatusOK, body))
			}
		}
	}
}
