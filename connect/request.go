package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)


func DefaultRequestSettings() *RequestSettings {
	return &RequestSettings{
		HttpTimeout:        defaultHttpTimeout,
		HttpConnectTimeout: defaultHttpConnectTimeout,
		HttpTlsTimeout:     defaultHttpTlsTimeout,
		RequestRateLimit:   rate.Inf,
		RequestBurst:       1,
	}
}

type RequestSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	// requests per second. `rate.Inf` disables client side throttling.
	RequestRateLimit rate.Limit
	RequestBurst     int
	// static headers added to every request, e.g. `x-hasura-role`
	Headers map[string]string
}


type Response struct {
	OperationName string
	// the raw `data` member of the graphql response
	Data json.RawMessage
	// keys of the entities merged into the store, in response order
	Entities []EntityKey
}


// executes queries and mutations over http.
// one attempt per call. Retrying is the caller's decision, using `IsRetryable`.
type RequestExecutor struct {
	graphqlUrl string
	store      *EntityStore
	// the current credential. A result is only merged while the credential
	// it was requested with is still current.
	credential CredentialFunction
	settings   *RequestSettings
	client     *http.Client
	limiter    *rate.Limiter
	metrics    MetricsCollector
	log        LogFunction
}

// a nil `credential` trusts the credential passed to each `Execute`
func NewRequestExecutorWithDefaults(graphqlUrl string, store *EntityStore, credential CredentialFunction) *RequestExecutor {
	return NewRequestExecutor(graphqlUrl, store, credential, DefaultRequestSettings(), NewNoopMetrics())
}

func NewRequestExecutor(
	graphqlUrl string,
	store *EntityStore,
	credential CredentialFunction,
	settings *RequestSettings,
	metrics MetricsCollector,
) *RequestExecutor {
	var limiter *rate.Limiter
	if settings.RequestRateLimit != rate.Inf {
		limiter = rate.NewLimiter(settings.RequestRateLimit, max(1, settings.RequestBurst))
	}
	return &RequestExecutor{
		graphqlUrl: graphqlUrl,
		store:      store,
		credential: credential,
		settings:   settings,
		client:     newHttpClient(settings.HttpConnectTimeout, settings.HttpTlsTimeout, settings.HttpTimeout),
		limiter:    limiter,
		metrics:    metrics,
		log:        LogFn(LogLevelDebug, "[r]"),
	}
}

// blocks until the response is merged into the store or the context ends.
// a result that arrives after the context ends is discarded and never merged.
// so is a result that arrives after `credential` stopped being current,
// which returns `ErrUnauthorized`.
func (self *RequestExecutor) Execute(ctx context.Context, op *Operation, credential string) (*Response, error) {
	transportClass, err := Classify(op)
	if err != nil {
		return nil, err
	}
	if transportClass != TransportRequestResponse {
		return nil, fmt.Errorf("%w: %s is not a request/response operation", ErrInvalidOperation, op)
	}

	startTime := time.Now()
	response, err := self.execute(ctx, op, credential)
	self.metrics.RecordRequestLatency(op.Name(), time.Since(startTime))
	self.metrics.RecordRequest(op.Name(), requestOutcome(err))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			glog.Infof("[r]%s error = %s\n", op.Name(), err)
		}
		return nil, err
	}
	return response, nil
}

// releases idle connections. Safe to call while requests are in flight.
func (self *RequestExecutor) Close() {
	self.client.CloseIdleConnections()
}

func (self *RequestExecutor) execute(ctx context.Context, op *Operation, credential string) (*Response, error) {
	if self.limiter != nil {
		if err := self.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	requestBodyBytes, err := json.Marshal(op.request())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", self.graphqlUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return nil, &TransportError{
			Message: "bad request",
			Cause:   err,
		}
	}
	req.Header.Add("Content-Type", "application/json")
	for key, value := range self.settings.Headers {
		req.Header.Set(key, value)
	}
	if credential != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", credential))
	}

	self.log("%s ->", op.Name())

	r, err := self.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{
			Retryable: true,
			Message:   "request failed",
			Cause:     err,
		}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{
			Retryable:  true,
			StatusCode: r.StatusCode,
			Message:    "response read failed",
			Cause:      err,
		}
	}

	if err := statusErr(r.StatusCode, responseBodyBytes); err != nil {
		return nil, err
	}

	var graphqlResponse graphqlResponse
	if err := json.Unmarshal(responseBodyBytes, &graphqlResponse); err != nil {
		return nil, &TransportError{
			StatusCode: r.StatusCode,
			Message:    "malformed response",
			Cause:      err,
		}
	}
	if err := graphqlErrorsErr(graphqlResponse.Errors); err != nil {
		return nil, err
	}
	if len(graphqlResponse.Data) == 0 || string(graphqlResponse.Data) == "null" {
		return nil, &TransportError{
			StatusCode: r.StatusCode,
			Message:    "malformed response: missing data",
		}
	}

	// normalize everything before the first store write,
	// so that a malformed response never partially merges
	writes, err := op.Normalize(graphqlResponse.Data)
	if err != nil {
		return nil, &TransportError{
			StatusCode: r.StatusCode,
			Message:    "malformed response",
			Cause:      err,
		}
	}

	_, applied := self.store.ApplyIf(writes, func() bool {
		return ctx.Err() == nil && (self.credential == nil || self.credential() == credential)
	})
	if !applied {
		// late result
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: credential changed during %s", ErrUnauthorized, op.Name())
	}

	self.log("%s <- %d entities", op.Name(), len(writes))

	entities := make([]EntityKey, 0, len(writes))
	for i := range writes {
		entities = append(entities, writes[i].Key())
	}
	return &Response{
		OperationName: op.Name(),
		Data:          graphqlResponse.Data,
		Entities:      entities,
	}, nil
}


func statusErr(statusCode int, body []byte) error {
	switch {
	case 200 <= statusCode && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, statusCode)
	case statusCode == http.StatusTooManyRequests || 500 <= statusCode:
		return &TransportError{
			Retryable:  true,
			StatusCode: statusCode,
			Message:    errorMessage(body),
		}
	default:
		// hasura reports some graphql errors with a 4xx status
		var graphqlResponse graphqlResponse
		if json.Unmarshal(body, &graphqlResponse) == nil {
			if err := graphqlErrorsErr(graphqlResponse.Errors); err != nil {
				var transportErr *TransportError
				if errors.As(err, &transportErr) {
					transportErr.StatusCode = statusCode
					transportErr.Retryable = false
				}
				return err
			}
		}
		return &TransportError{
			StatusCode: statusCode,
			Message:    errorMessage(body),
		}
	}
}

const maxErrorMessageLength = 256

func errorMessage(body []byte) string {
	message := strings.TrimSpace(string(body))
	if message == "" {
		return "request error"
	}
	if maxErrorMessageLength < len(message) {
		n := maxErrorMessageLength
		// do not split a multi-byte rune
		for 0 < n && !utf8.RuneStart(message[n]) {
			n -= 1
		}
		message = message[:n]
	}
	return message
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case IsRetryable(err):
		return "retryable"
	default:
		return "error"
	}
}
