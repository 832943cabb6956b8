package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// awsCodes maps AWS API error codes to standard codes.
var awsCodes = map[string]string{
	"AccessDeniedException":       CodePermissionDenied,
	"AccessDenied":                CodePermissionDenied,
	"UnauthorizedOperation":       CodePermissionDenied,
	"AuthFailure":                 CodeAuthFailed,
	"UnrecognizedClientException": CodeAuthFailed,
	"InvalidClientTokenId":        CodeAuthFailed,
	"SignatureDoesNotMatch":       CodeAuthFailed,
	"ExpiredToken":                CodeTokenExpired,
	"ExpiredTokenException":       CodeTokenExpired,
	"RequestExpired":              CodeTokenExpired,
	"InvalidParameterException":   CodeInvalidConfig,
	"InvalidParameterValue":       CodeInvalidConfig,
	"MissingParameter":            CodeInvalidConfig,
	"ValidationError":             CodeValidationFailed,
	"ValidationException":         CodeValidationFailed,
	"ResourceNotFoundException":   CodeResourceNotFound,
	"ResourceNotFound":            CodeResourceNotFound,
	"NoSuchEntity":                CodeResourceNotFound,
	"NotFoundException":           CodeResourceNotFound,
	"Throttling":                  CodeRateLimited,
	"ThrottlingException":         CodeRateLimited,
	"RequestLimitExceeded":        CodeRateLimited,
	"TooManyRequestsException":    CodeRateLimited,
	"RequestTimeout":              CodeTimeout,
	"RequestTimeoutException":     CodeTimeout,
	"ServiceUnavailable":          CodeConnectionFailed,
	"ServiceUnavailableException": CodeConnectionFailed,
}

// azureCodes maps Azure Resource Manager error codes to standard codes.
var azureCodes = map[string]string{
	"AuthorizationFailed":              CodePermissionDenied,
	"LinkedAuthorizationFailed":        CodePermissionDenied,
	"Forbidden":                        CodePermissionDenied,
	"InvalidAuthenticationTokenTenant": CodeAuthFailed,
	"InvalidAuthenticationToken":       CodeAuthFailed,
	"AuthenticationFailed":             CodeAuthFailed,
	"ExpiredAuthenticationToken":       CodeTokenExpired,
	"ResourceNotFound":                 CodeResourceNotFound,
	"ResourceGroupNotFound":            CodeResourceNotFound,
	"NotFound":                         CodeResourceNotFound,
	"InvalidParameter":                 CodeInvalidConfig,
	"InvalidTemplate":                  CodeValidationFailed,
	"InvalidRequestContent":            CodeValidationFailed,
	"TooManyRequests":                  CodeRateLimited,
	"SubscriptionRequestsThrottled":    CodeRateLimited,
	"GatewayTimeout":                   CodeTimeout,
	"OperationTimedOut":                CodeTimeout,
	"ServiceUnavailable":               CodeConnectionFailed,
}

// gcpCodes maps canonical Google API status names to standard codes.
var gcpCodes = map[string]string{
	"PERMISSION_DENIED":   CodePermissionDenied,
	"UNAUTHENTICATED":     CodeAuthFailed,
	"NOT_FOUND":           CodeResourceNotFound,
	"INVALID_ARGUMENT":    CodeValidationFailed,
	"FAILED_PRECONDITION": CodeValidationFailed,
	"RESOURCE_EXHAUSTED":  CodeRateLimited,
	"DEADLINE_EXCEEDED":   CodeTimeout,
	"UNAVAILABLE":         CodeConnectionFailed,
}

// genericCodes applies to every provider, after the provider table.
var genericCodes = map[string]string{
	"TIMEOUT":         CodeTimeout,
	"ETIMEDOUT":       CodeTimeout,
	"TimeoutError":    CodeTimeout,
	"NETWORK_ERROR":   CodeConnectionFailed,
	"ECONNREFUSED":    CodeConnectionFailed,
	"ECONNRESET":      CodeConnectionFailed,
	"EHOSTUNREACH":    CodeConnectionFailed,
	"ConnectionError": CodeConnectionFailed,
	"RATE_LIMITED":    CodeRateLimited,
	"TooManyRequests": CodeRateLimited,
	"EXEC_FAILED":     CodeExecutionFailed,
	"COMMAND_FAILED":  CodeExecutionFailed,
}

// grpcCodeNames are the canonical names Google APIs report for gRPC codes.
var grpcCodeNames = map[codes.Code]string{
	codes.Canceled:           "CANCELLED",
	codes.Unknown:            "UNKNOWN",
	codes.InvalidArgument:    "INVALID_ARGUMENT",
	codes.DeadlineExceeded:   "DEADLINE_EXCEEDED",
	codes.NotFound:           "NOT_FOUND",
	codes.AlreadyExists:      "ALREADY_EXISTS",
	codes.PermissionDenied:   "PERMISSION_DENIED",
	codes.ResourceExhausted:  "RESOURCE_EXHAUSTED",
	codes.FailedPrecondition: "FAILED_PRECONDITION",
	codes.Aborted:            "ABORTED",
	codes.OutOfRange:         "OUT_OF_RANGE",
	codes.Unimplemented:      "UNIMPLEMENTED",
	codes.Internal:           "INTERNAL",
	codes.Unavailable:        "UNAVAILABLE",
	codes.DataLoss:           "DATA_LOSS",
	codes.Unauthenticated:    "UNAUTHENTICATED",
}

// httpStatusCodes is the fallback for HTTP responses that carry no error code.
var httpStatusCodes = map[int]string{
	http.StatusUnauthorized:       CodeAuthFailed,
	http.StatusForbidden:          CodePermissionDenied,
	http.StatusNotFound:           CodeResourceNotFound,
	http.StatusBadRequest:         CodeValidationFailed,
	http.StatusRequestTimeout:     CodeTimeout,
	http.StatusGatewayTimeout:     CodeTimeout,
	http.StatusTooManyRequests:    CodeRateLimited,
	http.StatusServiceUnavailable: CodeConnectionFailed,
	http.StatusBadGateway:         CodeConnectionFailed,
}

// messagePatterns classify raw errors that carry no code at all.
var messagePatterns = []struct {
	substr string
	code   string
}{
	{"timed out", CodeTimeout},
	{"timeout", CodeTimeout},
	{"connection refused", CodeConnectionFailed},
	{"connection reset", CodeConnectionFailed},
	{"no such host", CodeConnectionFailed},
	{"rate limit", CodeRateLimited},
	{"permission denied", CodePermissionDenied},
	{"access denied", CodePermissionDenied},
	{"not found", CodeResourceNotFound},
}

// rawError is the normalized view of an error before lookup.
type rawError struct {
	code       string
	message    string
	table      CloudProvider
	statusCode int
	details    map[string]interface{}
}

// ErrorClassifier maps provider errors onto the standard taxonomy.
type ErrorClassifier struct {
	tables map[CloudProvider]map[string]string
	now    func() time.Time
}

// ClassifierOption configures an ErrorClassifier.
type ClassifierOption func(*ErrorClassifier)

// WithMapping adds or overrides a provider code mapping.
func WithMapping(provider CloudProvider, providerCode, standardCode string) ClassifierOption {
	return func(c *ErrorClassifier) {
		if c.tables[provider] == nil {
			c.tables[provider] = make(map[string]string)
		}
		c.tables[provider][providerCode] = standardCode
	}
}

// WithClassifierClock sets the timestamp source.
func WithClassifierClock(now func() time.Time) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.now = now
	}
}

// NewErrorClassifier creates a classifier with the built-in provider tables.
func NewErrorClassifier(opts ...ClassifierOption) *ErrorClassifier {
	c := &ErrorClassifier{
		tables: map[CloudProvider]map[string]string{
			ProviderAWS:    copyTable(awsCodes),
			ProviderAzure:  copyTable(azureCodes),
			ProviderGCP:    copyTable(gcpCodes),
			ProviderCustom: {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func copyTable(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Classify converts err into a DeploymentError. A *DeploymentError anywhere in
// the chain is returned as a copy. The result is fully determined by err and
// provider, apart from its timestamp.
func (c *ErrorClassifier) Classify(err error, provider CloudProvider) *DeploymentError {
	if err == nil {
		return nil
	}
	if de, ok := AsDeploymentError(err); ok {
		cp := *de
		cp.Details = copyDetails(de.Details)
		return &cp
	}

	raw := c.normalize(err, provider)
	code := c.lookup(raw)

	def := standardErrors[code]
	message := def.Message
	if (code == CodeUnknown || code == CodeExecutionFailed) && raw.message != "" {
		message = raw.message
	}

	details := make(map[string]interface{}, len(raw.details)+3)
	for k, v := range raw.details {
		details[k] = v
	}
	details["originalCode"] = raw.code
	details["originalMessage"] = raw.message
	details["provider"] = string(provider)
	if raw.statusCode != 0 {
		details["statusCode"] = raw.statusCode
	}

	return &DeploymentError{
		Code:              code,
		Message:           message,
		Category:          def.Category,
		Severity:          def.Severity,
		Recoverable:       def.Recoverable,
		RecommendedAction: def.RecommendedAction,
		Provider:          provider,
		Timestamp:         c.now(),
		Details:           details,
		OriginalError:     err,
	}
}

// normalize extracts code, message and origin from the supported error shapes.
func (c *ErrorClassifier) normalize(err error, provider CloudProvider) rawError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return rawError{code: perr.Code, message: perr.Message, table: provider, details: perr.Details}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return rawError{
			code:    apiErr.ErrorCode(),
			message: apiErr.ErrorMessage(),
			table:   ProviderAWS,
			details: map[string]interface{}{"fault": apiErr.ErrorFault().String()},
		}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return rawError{
			code:       respErr.ErrorCode,
			message:    respErr.Error(),
			table:      ProviderAzure,
			statusCode: respErr.StatusCode,
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return rawError{code: grpcCodeNames[st.Code()], message: st.Message(), table: ProviderGCP}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return rawError{code: "TIMEOUT", message: err.Error(), table: provider}
	case errors.Is(err, syscall.ECONNREFUSED):
		return rawError{code: "ECONNREFUSED", message: err.Error(), table: provider}
	case errors.Is(err, syscall.ECONNRESET):
		return rawError{code: "ECONNRESET", message: err.Error(), table: provider}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return rawError{code: "TIMEOUT", message: err.Error(), table: provider}
		}
		return rawError{code: "NETWORK_ERROR", message: err.Error(), table: provider}
	}

	return rawError{message: err.Error(), table: provider}
}

// lookup resolves a raw error to a standard code.
func (c *ErrorClassifier) lookup(raw rawError) string {
	if raw.code != "" {
		if _, ok := standardErrors[raw.code]; ok {
			return raw.code
		}
		if code, ok := c.tables[raw.table][raw.code]; ok {
			return code
		}
		if code, ok := genericCodes[raw.code]; ok {
			return code
		}
	}
	if code, ok := httpStatusCodes[raw.statusCode]; ok {
		return code
	}
	if raw.code == "" {
		msg := strings.ToLower(raw.message)
		for _, p := range messagePatterns {
			if strings.Contains(msg, p.substr) {
				return p.code
			}
		}
	}
	return CodeUnknown
}

var defaultClassifier = NewErrorClassifier()

// Classify classifies err with the built-in tables.
func Classify(err error, provider CloudProvider) *DeploymentError {
	return defaultClassifier.Classify(err, provider)
}
