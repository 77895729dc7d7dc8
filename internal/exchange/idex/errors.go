package idex

import (
	"errors"
	"net/http"
	"strings"

	"idex-connector/internal/core"
)

const (
	apiCodeOrderNotFound       = "ORDER_NOT_FOUND"
	apiCodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	apiCodeInvalidAPIKey       = "INVALID_API_KEY"
	apiCodeInvalidHMAC         = "INVALID_HMAC_SIGNATURE"
	apiCodeInvalidWalletSig    = "INVALID_WALLET_SIGNATURE"
	apiCodeWalletNotAssociated = "WALLET_NOT_ASSOCIATED"
	apiCodeTradingDisabled     = "TRADING_DISABLED"
	apiCodeOrderRejected       = "ORDER_REJECTED"
)

var apiErrorCodeKinds = map[string]error{
	apiCodeOrderNotFound:       core.ErrOrderNotFound,
	apiCodeInsufficientFunds:   core.ErrInsufficientBalance,
	apiCodeInvalidAPIKey:       core.ErrAuthentication,
	apiCodeInvalidHMAC:         core.ErrAuthentication,
	apiCodeInvalidWalletSig:    core.ErrAuthentication,
	apiCodeWalletNotAssociated: core.ErrAuthentication,
	apiCodeTradingDisabled:     core.ErrOrderRejected,
	apiCodeOrderRejected:       core.ErrOrderRejected,
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	code := strings.ToUpper(strings.TrimSpace(apiErr.Code))
	if kind, ok := apiErrorCodeKinds[code]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	switch apiErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kinds = appendErrorKind(kinds, core.ErrAuthentication)
	case http.StatusNotFound:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
