package controller

import "fmt"

// ErrorCode is the request-level error taxonomy surfaced to clients.
type ErrorCode int

const (
	// CodeNone means no error.
	CodeNone ErrorCode = iota

	// request-shape errors
	RequestNotSupported
	TopologyFailed

	// deployment-layer errors
	DDSCreateSessionFailed
	DDSAttachToSessionFailed
	DDSSubmitAgentsFailed
	DDSActivateTopologyFailed
	DDSCreateTopologyFailed
	DDSCommanderInfoFailed
	DDSShutdownSessionFailed
	DDSSubscribeToSessionFailed
	ResourcePluginFailed

	// device errors
	FairMQCreateTopologyFailed
	FairMQChangeStateFailed
	FairMQWaitForStateFailed
	FairMQGetStateFailed
	FairMQSetPropertiesFailed
	DeviceChangeStateInvalidTransition

	// timing errors
	RequestTimeout
	OperationTimeout
	OperationCanceled
)

var errorCodeNames = map[ErrorCode]string{
	CodeNone:                           "None",
	RequestNotSupported:                "RequestNotSupported",
	TopologyFailed:                     "TopologyFailed",
	DDSCreateSessionFailed:             "DDSCreateSessionFailed",
	DDSAttachToSessionFailed:           "DDSAttachToSessionFailed",
	DDSSubmitAgentsFailed:              "DDSSubmitAgentsFailed",
	DDSActivateTopologyFailed:          "DDSActivateTopologyFailed",
	DDSCreateTopologyFailed:            "DDSCreateTopologyFailed",
	DDSCommanderInfoFailed:             "DDSCommanderInfoFailed",
	DDSShutdownSessionFailed:           "DDSShutdownSessionFailed",
	DDSSubscribeToSessionFailed:        "DDSSubscribeToSessionFailed",
	ResourcePluginFailed:               "ResourcePluginFailed",
	FairMQCreateTopologyFailed:         "FairMQCreateTopologyFailed",
	FairMQChangeStateFailed:            "FairMQChangeStateFailed",
	FairMQWaitForStateFailed:           "FairMQWaitForStateFailed",
	FairMQGetStateFailed:               "FairMQGetStateFailed",
	FairMQSetPropertiesFailed:          "FairMQSetPropertiesFailed",
	DeviceChangeStateInvalidTransition: "DeviceChangeStateInvalidTransition",
	RequestTimeout:                     "RequestTimeout",
	OperationTimeout:                   "OperationTimeout",
	OperationCanceled:                  "OperationCanceled",
}

func (c ErrorCode) String() string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error carries a taxonomy code and a human-readable detail message.
type Error struct {
	Code    ErrorCode
	Details string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Details)
}

// Set reports whether an error has been recorded.
func (e *Error) Set() bool { return e != nil && e.Code != CodeNone }
