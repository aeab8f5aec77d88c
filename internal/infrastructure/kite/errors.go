package kite

import (
	"github.com/vitos/kitebot/internal/domain"
)

// classify maps a Kite Connect error_type to the broker error taxonomy.
func classify(errorType string, httpStatus int) domain.ErrorKind {
	switch errorType {
	case "TokenException":
		return domain.KindAuthentication
	case "NetworkException":
		return domain.KindNetwork
	case "InputException":
		return domain.KindInvalidInput
	case "DataException":
		return domain.KindDataUnavailable
	case "OrderException", "MarginException", "HoldingException":
		return domain.KindOrderRejected
	case "PermissionException":
		return domain.KindPermissionDenied
	}

	switch {
	case httpStatus == 403:
		return domain.KindAuthentication
	case httpStatus == 400:
		return domain.KindInvalidInput
	case httpStatus == 502 || httpStatus == 503 || httpStatus == 504:
		return domain.KindNetwork
	}
	return domain.KindUnknown
}

func brokerError(kind domain.ErrorKind, op, msg string, err error) *domain.BrokerError {
	return &domain.BrokerError{Kind: kind, Op: op, Message: msg, Err: err}
}
