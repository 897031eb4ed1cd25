package redis_cache

import (
	"strings"

	"github.com/go-redis/redis/v8"
)

// ReplyKind classifies a reply the way the wire client decodes it. Bulk and
// simple strings both decode to a Go string, so they share ReplyString. As a
// result GET cannot tell a bulk string from a simple one and treats either
// as a hit, and SET checks for the text "OK" rather than the reply type.
type ReplyKind uint8

const (
	ReplyString ReplyKind = 1 << iota
	ReplyInteger
	ReplyNil
	ReplyArray
	// ReplyError is an error reply sent by the server. It is never an
	// acceptable kind for a command.
	ReplyError
	// ReplyUnknown is a decoded value of a type the cache does not handle.
	ReplyUnknown
)

func (k ReplyKind) String() string {
	var names []string
	for _, n := range []struct {
		kind ReplyKind
		name string
	}{
		{ReplyString, "string"},
		{ReplyInteger, "integer"},
		{ReplyNil, "nil"},
		{ReplyArray, "array"},
		{ReplyError, "error"},
		{ReplyUnknown, "unknown"},
	} {
		if k&n.kind != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// reply is the decoded result of one command.
type reply struct {
	kind  ReplyKind
	value interface{}
	// err is the server's error for ReplyError.
	err error
}

func (r *reply) text() string {
	s, _ := r.value.(string)
	return s
}

// isWireError is true for failures that leave the connection unusable:
// I/O errors, timeouts and protocol errors. Error replies from the server
// and nil replies are not wire errors.
func isWireError(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	_, isServerError := err.(redis.Error)
	return !isServerError
}

// newReply classifies the result of a command that did not fail on the
// wire.
func newReply(val interface{}, err error) *reply {
	if err == redis.Nil {
		return &reply{kind: ReplyNil}
	}
	if err != nil {
		return &reply{kind: ReplyError, err: err}
	}
	switch val.(type) {
	case string:
		return &reply{kind: ReplyString, value: val}
	case int64:
		return &reply{kind: ReplyInteger, value: val}
	case []interface{}:
		return &reply{kind: ReplyArray, value: val}
	default:
		return &reply{kind: ReplyUnknown, value: val}
	}
}
