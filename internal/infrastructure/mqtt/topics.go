package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "devserver"

// Topics builds the topic hierarchy of one deployment:
//
//	{prefix}/request/{server}          requests for a server
//	{prefix}/reply/{client}            replies for a client
//	{prefix}/status/{client}           retained online/offline status
//	{prefix}/poll/{device}/{kind}/{n}  poll samples
type Topics struct {
	Prefix string
}

// NewTopics returns builders rooted at prefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// Request returns the topic a server receives requests on.
//
// Example: devserver/request/motorsrv/lab
func (t Topics) Request(server string) string {
	return fmt.Sprintf("%s/request/%s", t.prefix(), strings.ToLower(server))
}

// Reply returns the topic a client receives replies on.
//
// Example: devserver/reply/cli-4f2a
func (t Topics) Reply(clientID string) string {
	return fmt.Sprintf("%s/reply/%s", t.prefix(), clientID)
}

// Status returns the retained status topic of a client.
//
// Example: devserver/status/motorsrv-lab
func (t Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/status/%s", t.prefix(), clientID)
}

// Poll returns the topic poll samples of one object are published on.
//
// Example: devserver/poll/motor/1/attribute/position
func (t Topics) Poll(device, kind, name string) string {
	return fmt.Sprintf("%s/poll/%s/%s/%s", t.prefix(),
		strings.ToLower(device), kind, strings.ToLower(name))
}

// AllPolls returns a wildcard matching every poll sample.
func (t Topics) AllPolls() string {
	return t.prefix() + "/poll/#"
}

// AllStatus returns a wildcard matching every status topic.
func (t Topics) AllStatus() string {
	return t.prefix() + "/status/+"
}

// ValidName reports whether s can be embedded in a topic. MQTT wildcards
// and empty strings are rejected.
func ValidName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "+#\x00")
}
