// Package protocol implements the Celery protocol-2 task envelope and
// result envelope, and the packer (serializer + compressor + encoder)
// that produces an envelope's body.
//
// See https://docs.celeryq.dev/en/stable/internals/protocol.html.
package protocol

// Delivery modes, mirroring AMQP's persistent/transient distinction.
const (
	DeliveryPersistent = 2
	DeliveryTransient  = 1
)

// Lang is the worker-side language tag every protocol-2 envelope
// carries; the Celery reference worker uses it to route the task.
const Lang = "py"

// TimeLimit is a task's soft/hard execution time limit in seconds.
// A nil pointer means "no limit", matching Celery's JSON null.
type TimeLimit struct {
	Soft *float64
	Hard *float64
}

// Envelope is the wire-level Celery protocol-2 task message: a triple
// of headers, properties and a body string, as built by the task
// envelope builder (see the root package's TaskBuilder) and as
// published by a Broker.
type Envelope struct {
	Headers    Headers
	Properties Properties
	// ContentType matches the serializer used to build Body, e.g.
	// application/json or application/x-yaml.
	ContentType string
	// Body is the packer's output: serialize([args, kwargs, opts]),
	// then optionally compress, then encode.
	Body string
}

// Headers is the protocol-2 "headers" map.
type Headers struct {
	Lang   string `json:"lang"`
	Task   string `json:"task"`
	ID     string `json:"id"`
	RootID string `json:"root_id"`
	// ParentID is null for a task with no parent; chaining/chords are
	// out of scope, so this is always nil.
	ParentID *string `json:"parent_id"`
	// GroupID is always nil and omitted from the JSON; groups are out
	// of scope.
	GroupID   *string    `json:"group,omitempty"`
	Timelimit [2]*float64 `json:"timelimit"`
	// Compression carries the MIME token when a non-identity
	// compressor was used, and is omitted (nil) for identity.
	Compression *string `json:"compression,omitempty"`
	Eta         *string `json:"eta"`
	Expires     *string `json:"expires"`
	Origin      string  `json:"origin"`
	Retries     int     `json:"retries"`
}

// Properties is the protocol-2 "properties" map.
type Properties struct {
	CorrelationID string       `json:"correlation_id"`
	ReplyTo       string       `json:"reply_to"`
	BodyEncoding  string       `json:"body_encoding"`
	DeliveryMode  int          `json:"delivery_mode"`
	DeliveryInfo  DeliveryInfo `json:"delivery_info"`
	Priority      int          `json:"priority"`
}

// DeliveryInfo names the AMQP exchange/routing key a task is
// published on; the default exchange is "" with routing_key == queue.
type DeliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Status is a task's lifecycle state as reported by a result backend.
type Status string

// The task states a result backend may report.
const (
	StatusPending  Status = "PENDING"
	StatusReceived Status = "RECEIVED"
	StatusStarted  Status = "STARTED"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusRetry    Status = "RETRY"
	StatusRevoked  Status = "REVOKED"
)

// Result is the result envelope stored/transmitted by a result
// backend.
type Result struct {
	TaskID    string      `json:"task_id"`
	Status    Status      `json:"status"`
	Result    interface{} `json:"result"`
	Traceback *string     `json:"traceback"`
	Children  []string    `json:"children"`
}
