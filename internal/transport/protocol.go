package transport

import (
	"time"

	"github.com/3cpo-dev/cosimctl/pkg/api"
)

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// SendRequest carries one message to a named channel.
type SendRequest struct {
	Message api.Message `json:"message"`
}

// ReceiveResponse is the next message of a named channel.
type ReceiveResponse struct {
	Message api.Message `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
