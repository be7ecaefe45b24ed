// Package problem implements the RFC 7807 problem-details error taxonomy
// used across the service's synchronous and asynchronous error paths.
package problem

import (
	"errors"
	"fmt"
)

// Type is one of the stable taxonomy strings clients match on.
type Type string

const (
	AccessDenied                      Type = "access_denied"
	AgentNotEnteredTheRoom             Type = "agent_not_entered_the_room"
	AuthorizationFailed                Type = "authorization_failed"
	BrokerRequestFailed                Type = "broker_request_failed"
	ChangeNotFound                     Type = "change_not_found"
	DatabaseConnectionAcquisitionFailed Type = "database_connection_acquisition_failed"
	DatabaseQueryFailed                Type = "database_query_failed"
	EditionCommitTaskFailed            Type = "edition_commit_task_failed"
	EditionNotFound                    Type = "edition_not_found"
	InvalidPayload                     Type = "invalid_payload"
	InvalidRoomTime                    Type = "invalid_room_time"
	InvalidStateSets                   Type = "invalid_state_sets"
	InvalidSubscriptionObject          Type = "invalid_subscription_object"
	MessageHandlingFailed              Type = "message_handling_failed"
	SerializationFailed                Type = "serialization_failed"
	StatsCollectionFailed              Type = "stats_collection_failed"
	PublishFailed                      Type = "publish_failed"
	RoomAdjustTaskFailed               Type = "room_adjust_task_failed"
	RoomNotFound                       Type = "room_not_found"
	RoomClosed                         Type = "room_closed"
	TransientEventCreationFailed       Type = "transient_event_creation_failed"
	UnknownMethod                      Type = "unknown_method"
)

// statusOf is the default HTTP-style status for each taxonomy entry.
var statusOf = map[Type]int{
	AccessDenied:                        403,
	AgentNotEnteredTheRoom:              403,
	AuthorizationFailed:                 403,
	BrokerRequestFailed:                 502,
	ChangeNotFound:                      404,
	DatabaseConnectionAcquisitionFailed: 503,
	DatabaseQueryFailed:                 500,
	EditionCommitTaskFailed:             500,
	EditionNotFound:                     404,
	InvalidPayload:                      400,
	InvalidRoomTime:                     400,
	InvalidStateSets:                    400,
	InvalidSubscriptionObject:           400,
	MessageHandlingFailed:               400,
	SerializationFailed:                 500,
	StatsCollectionFailed:               500,
	PublishFailed:                       502,
	RoomAdjustTaskFailed:                500,
	RoomNotFound:                        404,
	RoomClosed:                          409,
	TransientEventCreationFailed:        503,
	UnknownMethod:                       405,
}

// Detail is an RFC 7807 problem-details payload.
type Detail struct {
	Type   Type   `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (d *Detail) Error() string {
	if d.Detail != "" {
		return fmt.Sprintf("%s: %s", d.Type, d.Detail)
	}
	return string(d.Type)
}

// New builds a Detail for the given taxonomy entry with a human-readable detail message.
func New(t Type, detail string) *Detail {
	return &Detail{
		Type:   t,
		Title:  string(t),
		Status: statusOf[t],
		Detail: detail,
	}
}

// Newf is New with fmt.Sprintf-style formatting of the detail message.
func Newf(t Type, format string, args ...any) *Detail {
	return New(t, fmt.Sprintf(format, args...))
}

// As extracts a *Detail from err, if any wraps one.
func As(err error) (*Detail, bool) {
	var d *Detail
	ok := errors.As(err, &d)
	return d, ok
}
