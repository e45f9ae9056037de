package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	Redis           Category = "Redis"
	RabbitMQ        Category = "RabbitMQ"
	WebSocket       Category = "WebSocket"
	Dispatcher      Category = "Dispatcher"
	Auth            Category = "Auth"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	RateLimiting    SubCategory = "RateLimiting"
	ExternalService SubCategory = "ExternalService"

	// Broker
	Connect   SubCategory = "Connect"
	Reconnect SubCategory = "Reconnect"
	Publish   SubCategory = "Publish"
	Consume   SubCategory = "Consume"

	// Gateway
	Handshake  SubCategory = "Handshake"
	Encryption SubCategory = "Encryption"
	Sweep      SubCategory = "Sweep"
	Presence   SubCategory = "Presence"

	// Dispatcher
	Routing   SubCategory = "Routing"
	Flood     SubCategory = "Flood"
	Malformed SubCategory = "Malformed"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	ClientIp     ExtraKey = "ClientIp"
	HostIp       ExtraKey = "HostIp"
	Method       ExtraKey = "Method"
	StatusCode   ExtraKey = "StatusCode"
	BodySize     ExtraKey = "BodySize"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	RequestBody  ExtraKey = "RequestBody"
	ResponseBody ExtraKey = "ResponseBody"
	ErrorMessage ExtraKey = "ErrorMessage"

	ConnectionID ExtraKey = "ConnectionId"
	UserID       ExtraKey = "UserId"
	RoomID       ExtraKey = "RoomId"
	RoutingKey   ExtraKey = "RoutingKey"
	Queue        ExtraKey = "Queue"
	EventType    ExtraKey = "EventType"
	RequestID    ExtraKey = "RequestId"
	Attempt      ExtraKey = "Attempt"
	Backoff      ExtraKey = "Backoff"
	CloseCode    ExtraKey = "CloseCode"
)
