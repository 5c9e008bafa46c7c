package ports

import (
	"context"

	"github.com/awcullen/opcua/ua"
)

// ServiceHandlerPort answers the requests received on an open server channel.
type ServiceHandlerPort interface {

	// HandleRequest returns the response to send back. Returning an error makes
	// the channel reply with a ServiceFault carrying the error status.
	HandleRequest(ctx context.Context, channelID uint32, req ua.ServiceRequest) (ua.ServiceResponse, error)
}
