// Package protocol defines the wire message schema, the error taxonomy,
// and the notification hooks shared by the registry, push, domain, and
// storecore packages.
package protocol

import (
	"fmt"
	"log"
	"regexp"
)

func stdLogPrintf(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Command is one of the three mutation verbs a Message may carry.
type Command string

const (
	Create Command = "create"
	Update Command = "update"
	Delete Command = "delete"
)

// Message is the wire format for both inbound client batches and the
// broadcasts replayed to subscribers. Every field is an opaque string;
// complex payloads are the client's responsibility to pre-serialize.
type Message struct {
	Command         Command `json:"command"`
	Domain          string  `json:"domain"`
	Key             string  `json:"key"`
	Value           string  `json:"value,omitempty"`
	Version         string  `json:"version,omitempty"`
	PreviousVersion string  `json:"previous_version,omitempty"`
}

// Reserved meta-keys the server broadcasts on subscribe/unsubscribe.
const (
	KeySynced      = "_synced"
	KeyClients     = "_clients"
	KeySubscribe   = "_subscribe"
	KeyUnsubscribe = "_unsubscribe"
)

// IsEphemeral reports whether key is an ephemeral key ('%' prefix):
// broadcast only, never persisted, never collision-checked.
func IsEphemeral(key string) bool {
	return len(key) > 0 && key[0] == '%'
}

// IsReserved reports whether key is server-originated metadata ('_'
// prefix).
func IsReserved(key string) bool {
	return len(key) > 0 && key[0] == '_'
}

var domainNameRE = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// ValidDomainName reports whether name is a legal domain name: it must
// match [A-Za-z0-9_.]+ and must not be exactly "_" (reserved).
func ValidDomainName(name string) bool {
	return name != "_" && domainNameRE.MatchString(name)
}

// ErrorKind enumerates the error taxonomy from spec §4.6.
type ErrorKind int

const (
	UnknownClient ErrorKind = iota
	BadDomain
	MalformedMessage
	CollisionCreate
	CollisionUpdate
	CollisionDelete
	Shutdown
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownClient:
		return "UnknownClient"
	case BadDomain:
		return "BadDomain"
	case MalformedMessage:
		return "MalformedMessage"
	case CollisionCreate:
		return "CollisionCreate"
	case CollisionUpdate:
		return "CollisionUpdate"
	case CollisionDelete:
		return "CollisionDelete"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Error is the typed error value raised by every component in this
// repository. Kind is checked with errors.Is against the Err* sentinels
// below (each sentinel has a matching Kind and no other fields set, so
// errors.Is compares by Kind).
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is implements errors.Is support: two *Error values match if their
// Kind matches, regardless of Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel errors for use with errors.Is(err, protocol.ErrUnknownClient).
var (
	ErrUnknownClient    = &Error{Kind: UnknownClient}
	ErrBadDomain        = &Error{Kind: BadDomain}
	ErrMalformedMessage = &Error{Kind: MalformedMessage}
	ErrCollisionCreate  = &Error{Kind: CollisionCreate}
	ErrCollisionUpdate  = &Error{Kind: CollisionUpdate}
	ErrCollisionDelete  = &Error{Kind: CollisionDelete}
	ErrShutdown         = &Error{Kind: Shutdown}
)

// Newf builds an *Error of the given kind with a formatted message.
func Newf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Hooks is the capability set of notification callbacks a caller may
// supply. Every field is optional; nil fields are no-ops. Hooks are
// always invoked outside any lock held by the component that calls
// them (see spec §4.1 and §9).
type Hooks struct {
	OnConnect    func(clientID string)
	OnDisconnect func(clientID string)
	OnSubscribe  func(clientID, domain string)
	OnVerbose    func(format string, args ...interface{})
	OnError      func(err error)
	OnCollision  func(msg Message, err error)
}

// Connect invokes the OnConnect hook, if set. Safe to call on a nil
// *Hooks.
func (h *Hooks) Connect(id string) {
	if h != nil && h.OnConnect != nil {
		h.OnConnect(id)
	}
}

// Disconnect invokes the OnDisconnect hook, if set.
func (h *Hooks) Disconnect(id string) {
	if h != nil && h.OnDisconnect != nil {
		h.OnDisconnect(id)
	}
}

// Subscribe invokes the OnSubscribe hook, if set.
func (h *Hooks) Subscribe(id, domain string) {
	if h != nil && h.OnSubscribe != nil {
		h.OnSubscribe(id, domain)
	}
}

// Verbose invokes the OnVerbose hook, if set.
func (h *Hooks) Verbose(format string, args ...interface{}) {
	if h != nil && h.OnVerbose != nil {
		h.OnVerbose(format, args...)
	}
}

// ErrorHook invokes the OnError hook, if set.
func (h *Hooks) ErrorHook(err error) {
	if h != nil && h.OnError != nil {
		h.OnError(err)
	}
}

// Collision invokes the OnCollision hook, if set.
func (h *Hooks) Collision(msg Message, err error) {
	if h != nil && h.OnCollision != nil {
		h.OnCollision(msg, err)
	}
}

// DefaultHooks returns a Hooks value whose OnError and OnVerbose
// callbacks write to the standard logger, matching the teacher's use
// of log.Printf for diagnostic notices (server/store/store.go).
func DefaultHooks() *Hooks {
	return &Hooks{
		OnError: func(err error) {
			stdLogPrintf("error: %v", err)
		},
		OnVerbose: func(format string, args ...interface{}) {
			stdLogPrintf(format, args...)
		},
	}
}
