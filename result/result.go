// Package result defines the tagged response envelope shared by every
// method handler: a sentence is either a named success result or a
// typed error, each carrying an arguments map for JSON encoding.
package result

// Error is a typed error sentence. It is distinct from a Go error: a
// Go error signals a bug in the handler's own plumbing, while an Error
// value is the expected, client-visible outcome of a rejected call.
type Error struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Args        map[string]interface{} `json:"-"`
}

// NewError builds an Error of the given JMAP error type.
func NewError(errType string) *Error {
	return &Error{Type: errType}
}

// WithDescription sets the human-readable description field.
func (e *Error) WithDescription(desc string) *Error {
	e.Description = desc
	return e
}

// WithArg attaches an extra argument (e.g. invalidProperties, guid) to
// the error's encoded arguments.
func (e *Error) WithArg(key string, value interface{}) *Error {
	if e.Args == nil {
		e.Args = make(map[string]interface{})
	}
	e.Args[key] = value
	return e
}

// Error implements the Go error interface so an *Error can also be
// returned/wrapped by plain Go code (e.g. a hook) without a second type.
func (e *Error) Error() string {
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}

// Arguments renders the error as a JMAP result arguments map: "type",
// "description" (if set) and any extra Args.
func (e *Error) Arguments() map[string]interface{} {
	args := make(map[string]interface{}, len(e.Args)+2)
	for k, v := range e.Args {
		args[k] = v
	}
	args["type"] = e.Type
	if e.Description != "" {
		args["description"] = e.Description
	}
	return args
}

// Well-known dispatcher/state/per-record error types.
const (
	TypeUnknownMethod       = "unknownMethod"
	TypeForbidden           = "forbidden"
	TypeResultReference     = "resultReference"
	TypeDuplicateCreationID = "duplicateCreationId"
	TypeTooManyMethods      = "tooManyMethods"
	TypeCannotCalcChanges   = "cannotCalculateChanges"
	TypeStateMismatch       = "stateMismatch"
	TypeTryAgain            = "tryAgain"
	TypeInvalidProperties   = "invalidProperties"
	TypeInvalidArguments    = "invalidArguments"
	TypeInternalError       = "internalError"
)

// Sentence is one (name, arguments, clientId) response tuple produced
// by a handler and appended to a Collection in call order.
type Sentence struct {
	Name      string
	Arguments map[string]interface{}
	ClientID  string
}

// IsError reports whether this sentence carries an error result.
func (s Sentence) IsError() bool {
	return s.Name == "error"
}

// Result is what a method handler returns: either a named success
// result with its own arguments, or an Error. Handlers may return more
// than one Result (e.g. a multicall); the dispatcher is responsible for
// turning each into a Sentence.
type Result struct {
	Name      string
	Arguments map[string]interface{}
	Err       *Error
}

// Ok builds a successful Result.
func Ok(name string, args map[string]interface{}) Result {
	return Result{Name: name, Arguments: args}
}

// Fail builds an error Result.
func Fail(err *Error) Result {
	return Result{Name: "error", Err: err}
}

// ToSentence converts a Result into a wire Sentence tagged with clientId.
func (r Result) ToSentence(clientID string) Sentence {
	if r.Err != nil {
		return Sentence{Name: "error", Arguments: r.Err.Arguments(), ClientID: clientID}
	}
	return Sentence{Name: r.Name, Arguments: r.Arguments, ClientID: clientID}
}

// Collection is the ordered, queryable log of sentences accumulated
// during one request.
type Collection struct {
	sentences []Sentence
}

// Append adds a sentence to the end of the collection.
func (c *Collection) Append(s Sentence) {
	c.sentences = append(c.sentences, s)
}

// All returns the sentences in call order.
func (c *Collection) All() []Sentence {
	return c.sentences
}

// FirstMatching returns the first sentence with the given clientId and
// method name, used to resolve back-references.
func (c *Collection) FirstMatching(clientID, name string) (Sentence, bool) {
	for _, s := range c.sentences {
		if s.ClientID == clientID && s.Name == name {
			return s, true
		}
	}
	return Sentence{}, false
}

// Len reports how many sentences have been recorded so far.
func (c *Collection) Len() int {
	return len(c.sentences)
}
