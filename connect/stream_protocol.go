package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// graphql-transport-ws wire format
// see https://github.com/enisdenjo/graphql-ws/blob/master/PROTOCOL.md


const GraphqlWsSubprotocol = "graphql-transport-ws"

const (
	wsMessageConnectionInit = "connection_init"
	wsMessageConnectionAck  = "connection_ack"
	wsMessagePing           = "ping"
	wsMessagePong           = "pong"
	wsMessageSubscribe      = "subscribe"
	wsMessageNext           = "next"
	wsMessageError          = "error"
	wsMessageComplete       = "complete"
)

// close codes sent by the server
const (
	wsCloseInternalError       = 4500
	wsCloseBadRequest          = 4400
	wsCloseUnauthorized        = 4401
	wsCloseForbidden           = 4403
	wsCloseInitTimeout         = 4408
	wsCloseSubscriberExists    = 4409
	wsCloseTooManyInitRequests = 4429
)


type wsMessage struct {
	Id      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsConnectionInitPayload struct {
	Headers map[string]string `json:"headers"`
}


type graphqlRequest struct {
	OperationName string         `json:"operationName,omitempty"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

type graphqlError struct {
	Message    string                 `json:"message"`
	Extensions graphqlErrorExtensions `json:"extensions,omitempty"`
}

type graphqlErrorExtensions struct {
	Code string `json:"code,omitempty"`
	Path string `json:"path,omitempty"`
}

func (self graphqlError) Error() string {
	if self.Extensions.Code != "" {
		return fmt.Sprintf("%s (%s)", self.Message, self.Extensions.Code)
	}
	return self.Message
}


// hasura error extension codes
const (
	graphqlCodeInvalidJwt       = "invalid-jwt"
	graphqlCodeJwtExpired       = "jwt-expired"
	graphqlCodeAccessDenied     = "access-denied"
	graphqlCodeInvalidHeaders   = "invalid-headers"
	graphqlCodeValidationFailed = "validation-failed"
	graphqlCodeParseFailed      = "parse-failed"
	graphqlCodeUnexpected       = "unexpected"
)

func isUnauthorizedCode(code string) bool {
	switch code {
	case graphqlCodeInvalidJwt, graphqlCodeJwtExpired, graphqlCodeAccessDenied, graphqlCodeInvalidHeaders:
		return true
	default:
		return false
	}
}

// maps graphql errors to a single error.
// an unauthorized code anywhere in the list wins.
func graphqlErrorsErr(errs []graphqlError) error {
	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	message := strings.Join(messages, "; ")
	for _, err := range errs {
		if isUnauthorizedCode(err.Extensions.Code) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, message)
		}
	}
	code := errs[0].Extensions.Code
	return &TransportError{
		Retryable: code == graphqlCodeUnexpected,
		Code:      code,
		Message:   message,
	}
}

// the `error` message payload is a list of graphql errors
func parseWsErrorPayload(payload json.RawMessage) error {
	var errs []graphqlError
	if err := json.Unmarshal(payload, &errs); err != nil || len(errs) == 0 {
		return &TransportError{
			Message: fmt.Sprintf("subscription error: %s", strings.TrimSpace(string(payload))),
		}
	}
	return graphqlErrorsErr(errs)
}


// true if the close means the credential will not be accepted on reconnect
func isUnauthorizedClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case wsCloseUnauthorized, wsCloseForbidden:
			return true
		}
	}
	return false
}
