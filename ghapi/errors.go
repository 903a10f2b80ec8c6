/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

package ghapi

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/autopilot-dev/autopilot/gate"
	"github.com/google/go-github/v84/github"
)

// Classify maps GitHub API errors onto the gate's failure taxonomy:
// primary and secondary rate limits wait for the reported reset, transport
// errors and 5xx responses retry with backoff, and everything else
// (authorization, not-found, validation) fails immediately.
func Classify(err error) gate.Classification {
	if err == nil {
		return gate.Classification{Class: gate.ClassPermanent}
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return gate.Classification{
			Class:      gate.ClassRateLimited,
			RetryAfter: max(time.Until(rle.Rate.Reset.Time), 0),
		}
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		c := gate.Classification{Class: gate.ClassRateLimited}
		if abuse.RetryAfter != nil {
			c.RetryAfter = *abuse.RetryAfter
		}
		return c
	}

	var ghe *github.ErrorResponse
	if errors.As(err, &ghe) && ghe.Response != nil {
		switch {
		case ghe.Response.StatusCode == 429:
			return gate.Classification{Class: gate.ClassRateLimited}
		case ghe.Response.StatusCode >= 500:
			return gate.Classification{Class: gate.ClassTransient}
		default:
			return gate.Classification{Class: gate.ClassPermanent}
		}
	}

	// Transport-level failures (connection reset, DNS, timeouts) never
	// reached the API and are safe to retry.
	var ue *url.Error
	if errors.As(err, &ue) {
		return gate.Classification{Class: gate.ClassTransient}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return gate.Classification{Class: gate.ClassTransient}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gate.Classification{Class: gate.ClassTransient}
	}

	return gate.Classification{Class: gate.ClassPermanent}
}

// IsNotFound reports whether err is a GitHub 404, e.g. a PR whose head
// branch was deleted out from under the loop.
func IsNotFound(err error) bool {
	var ghe *github.ErrorResponse
	return errors.As(err, &ghe) && ghe.Response != nil && ghe.Response.StatusCode == 404
}
