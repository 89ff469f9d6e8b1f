package telegram

import (
	"errors"
	"strings"

	"github.com/gotd/td/tgerr"

	"forcesub-bot/pkg/forcesub"
)

// errMessageNotModified is returned when an edit would leave a message as it is,
// e.g. when a menu button is pressed twice.
const errMessageNotModified = "MESSAGE_NOT_MODIFIED"

// rpcErrorKinds pins error types whose codes do not reflect whether a retry helps.
var rpcErrorKinds = map[string]forcesub.OutboundErrorKind{
	"USER_IS_BLOCKED":        forcesub.OutboundErrorKindPermanent,
	"USER_IS_BOT":            forcesub.OutboundErrorKindPermanent,
	"INPUT_USER_DEACTIVATED": forcesub.OutboundErrorKindPermanent,
	"CHAT_WRITE_FORBIDDEN":   forcesub.OutboundErrorKindPermanent,
	"CHANNEL_PRIVATE":        forcesub.OutboundErrorKindPermanent,
	"QUERY_ID_INVALID":       forcesub.OutboundErrorKindPermanent,
	"TIMEOUT":                forcesub.OutboundErrorKindTemporary,
	"RPC_CALL_FAIL":          forcesub.OutboundErrorKindTemporary,
	"RPC_MCGET_FAIL":         forcesub.OutboundErrorKindTemporary,
}

func mapTelegramOutboundError(operation forcesub.OutboundOperation, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, forcesub.ErrInvalidOutboundRequest) || errors.Is(err, forcesub.ErrPeerUnknown) {
		return err
	}

	outboundErr := &forcesub.OutboundError{
		Operation: operation,
		Kind:      forcesub.OutboundErrorKindUnknown,
		Cause:     err,
	}

	if retryAfter, ok := tgerr.AsFloodWait(err); ok {
		outboundErr.Kind = forcesub.OutboundErrorKindRateLimited
		outboundErr.RetryAfter = retryAfter
		if rpcErr, hasRPC := tgerr.As(err); hasRPC {
			outboundErr.Code = rpcErr.Code
			outboundErr.Type = rpcErr.Type
		}

		return outboundErr
	}

	rpcErr, ok := tgerr.As(err)
	if !ok {
		return outboundErr
	}

	outboundErr.Code = rpcErr.Code
	outboundErr.Type = rpcErr.Type
	outboundErr.Kind = classifyTelegramRPCError(rpcErr)

	return outboundErr
}

func classifyTelegramRPCError(rpcErr *tgerr.Error) forcesub.OutboundErrorKind {
	if rpcErr == nil {
		return forcesub.OutboundErrorKindUnknown
	}

	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	if kind, ok := rpcErrorKinds[errorType]; ok {
		return kind
	}
	if rpcErr.Code == 420 || rpcErr.Code == 429 || strings.Contains(errorType, "FLOOD") {
		return forcesub.OutboundErrorKindRateLimited
	}

	switch {
	case rpcErr.Code == 303, rpcErr.Code >= 500:
		return forcesub.OutboundErrorKindTemporary
	case rpcErr.Code >= 400 && rpcErr.Code < 500:
		return forcesub.OutboundErrorKindPermanent
	default:
		return forcesub.OutboundErrorKindUnknown
	}
}
