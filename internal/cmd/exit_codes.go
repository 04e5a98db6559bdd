package cmd

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/spf13/pflag"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/config"
	"github.com/chatwoot/chatsync/internal/resolve"
	"github.com/chatwoot/chatsync/internal/store"
)

// Exit codes 3 and 6 are unused.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitUsage     = 2
	exitNotFound  = 4
	exitForbidden = 5
	exitServer    = 7
	exitNetwork   = 8
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	var handled *handledError
	if errors.As(err, &handled) {
		if handled.exitCode != 0 {
			return handled.exitCode
		}
		err = handled.err
	}

	if code := exitCodeFromDomain(err); code != 0 {
		return code
	}
	if isUsageError(err) {
		return exitUsage
	}
	if isNetworkError(err) {
		return exitNetwork
	}
	return exitGeneric
}

func exitCodeFromDomain(err error) int {
	var ambiguous *resolve.AmbiguousError
	switch {
	case chat.IsValidationError(err),
		errors.Is(err, config.ErrUnknownSecret),
		errors.Is(err, errFeedWithoutDatabase),
		errors.Is(err, resolve.ErrEmptyQuery),
		errors.As(err, &ambiguous):
		return exitUsage
	case errors.Is(err, chat.ErrForbidden):
		return exitForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, config.ErrSecretNotFound),
		errors.Is(err, resolve.ErrEmptyCandidates):
		return exitNotFound
	case chat.IsSubscriptionFailure(err):
		return exitNetwork
	case chat.IsWriteFailure(err):
		if isNetworkError(err) {
			return exitNetwork
		}
		return exitServer
	}
	return 0
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout")
}

func isUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	indicators := []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"flag needs an argument",
		"accepts ",
		"requires at least",
		"invalid argument",
		"invalid actor",
		"invalid role",
		"invalid output format",
		"invalid feed url",
		"invalid time expression",
		"requires --output",
		"is required",
	}
	for _, indicator := range indicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
